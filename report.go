package conductor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const maxErrorSummaryLen = 200

// buildReport assembles the final markdown report: an execution summary,
// the result of every completed task, and a one-line error per failed
// task.
func buildReport(query string, store *TaskStore) string {
	tasks := store.All()
	var completed, failed []*Task
	for _, t := range tasks {
		switch {
		case t.Failed():
			failed = append(failed, t)
		case t.Done:
			completed = append(completed, t)
		}
	}

	var b strings.Builder
	b.WriteString("# Execution Report\n\n")
	fmt.Fprintf(&b, "**Query:** %s\n\n", query)

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- Total tasks: %d\n", len(tasks))
	fmt.Fprintf(&b, "- Completed: %d\n", len(completed))
	fmt.Fprintf(&b, "- Failed: %d\n", len(failed))

	if len(completed) > 0 {
		b.WriteString("\n## Results\n")
		for _, t := range completed {
			fmt.Fprintf(&b, "\n### %s\n\n", t.ID)
			fmt.Fprintf(&b, "%s\n", t.Description)
			if t.AgentName != "" {
				fmt.Fprintf(&b, "\nAgent: %s\n", t.AgentName)
			}
			if len(t.Operations) > 0 {
				b.WriteString("\nOperations:\n")
				for i, op := range t.Operations {
					fmt.Fprintf(&b, "%d. %s\n", i+1, op)
				}
			}
			if len(t.Dependencies) > 0 {
				fmt.Fprintf(&b, "\nDependencies: %s\n", strings.Join(t.Dependencies, ", "))
			}
			b.WriteString("\nResult:\n\n")
			if t.Result != nil {
				b.WriteString(t.Result.Response)
			} else {
				b.WriteString("_result evicted_")
			}
			b.WriteString("\n")
		}
	}

	if len(failed) > 0 {
		b.WriteString("\n## Failed Tasks\n\n")
		for _, t := range failed {
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", t.ID, t.Description, errorSummary(t.Error))
		}
	}
	return b.String()
}

// errorReport is the handle_results output after a pipeline node failed.
func errorReport(query, node string, err error) string {
	var b strings.Builder
	b.WriteString("# Execution Report\n\n")
	fmt.Fprintf(&b, "**Query:** %s\n\n", query)
	fmt.Fprintf(&b, "The run failed at `%s`.\n\n", node)
	fmt.Fprintf(&b, "Error: %s\n\n", errorSummary(err.Error()))
	b.WriteString("No task results are available.\n")
	return b.String()
}

// errorSummary reduces an error message to its first line, capped.
func errorSummary(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > maxErrorSummaryLen {
		msg = msg[:maxErrorSummaryLen] + "..."
	}
	return msg
}

// ReportHTML renders a markdown report as HTML.
func ReportHTML(md string) (string, error) {
	gm := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := gm.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}
