package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/nevindra/conductor/internal/config"
	"github.com/nevindra/conductor/store/sqlite"
)

func cmdDB(ctx context.Context, cfg config.Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: conductor db <init|stats|show <session>|cleanup>")
	}

	history := sqlite.New(cfg.Database.Path)
	if err := history.Init(ctx); err != nil {
		return fmt.Errorf("open history db: %w", err)
	}
	defer history.Close()

	switch args[0] {
	case "init":
		// Init above already created the schema.
		fmt.Printf("initialized %s\n", cfg.Database.Path)
		return nil
	case "stats":
		return dbStats(ctx, history)
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: conductor db show <session>")
		}
		return dbShow(ctx, history, args[1])
	case "cleanup":
		return dbCleanup(ctx, history, args[1:])
	default:
		return fmt.Errorf("unknown db command %q", args[0])
	}
}

func dbStats(ctx context.Context, history *sqlite.History) error {
	stats, err := history.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("conversations:  %d\n", stats.Conversations)
	fmt.Printf("messages:       %d\n", stats.Messages)
	fmt.Printf("agent sessions: %d\n", stats.AgentSessions)

	convs, err := history.Conversations(ctx, 10)
	if err != nil {
		return err
	}
	if len(convs) > 0 {
		fmt.Println("\nrecent conversations:")
		for _, c := range convs {
			fmt.Printf("  %s  %s  %s\n", c.SessionID, time.Unix(c.UpdatedAt, 0).Format("2006-01-02 15:04"), c.Title)
		}
	}
	return nil
}

func dbShow(ctx context.Context, history *sqlite.History, sessionID string) error {
	conv, err := history.Conversation(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	fmt.Printf("session: %s\ntitle:   %s\nstarted: %s\n\n",
		conv.SessionID, conv.Title, time.Unix(conv.CreatedAt, 0).Format(time.RFC3339))

	messages, err := history.ConversationHistory(ctx, sessionID, 1000)
	if err != nil {
		return err
	}
	for _, m := range messages {
		fmt.Printf("[%s]\n%s\n\n", m.Role, m.Content)
	}

	runs, err := history.AgentSessions(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		fmt.Println("agent runs:")
		for _, r := range runs {
			status := "ok"
			if !r.Success {
				status = "failed: " + r.Error
			}
			line := fmt.Sprintf("  %-14s %6dms  %s", r.AgentName, r.ExecutionMS, status)
			if len(r.ToolCalls) > 0 {
				line += "  tools: " + strings.Join(r.ToolCalls, ", ")
			}
			fmt.Println(line)
		}
	}
	return nil
}

func dbCleanup(ctx context.Context, history *sqlite.History, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	maxAge := fs.Duration("max-age", 30*24*time.Hour, "delete conversations idle longer than this")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := history.Cleanup(ctx, *maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d conversations older than %s\n", n, maxAge)
	return nil
}
