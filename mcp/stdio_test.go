package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/nevindra/conductor"
)

// helperEnv selects a helper mode when the test binary re-executes itself
// as a subprocess server.
const helperEnv = "CONDUCTOR_MCP_TEST_MODE"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "serve":
		// Serve a small registry over stdio, standing in for a real
		// external tool server.
		reg := conductor.NewRegistry(registryTool{})
		srv := FromRegistry("helper", "0.0.1", reg)
		srv.Serve(context.Background())
		os.Exit(0)
	case "silent":
		// Swallow stdin without ever answering.
		io.Copy(io.Discard, os.Stdin)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestStdioEndToEnd(t *testing.T) {
	cfg := ServerConfig{
		Command: os.Args[0],
		Env:     map[string]string{helperEnv: "serve"},
	}

	client, err := Connect(context.Background(), "helper", cfg, WithCallTimeout(10*time.Second))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if got := client.ServerInfo().Name; got != "helper" {
		t.Errorf("server name = %q, want helper", got)
	}
	tools := client.Tools()
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}

	res, err := client.CallTool(context.Background(), "lookup", json.RawMessage(`{"key":"beta"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Text() != "value-of-beta" {
		t.Errorf("Text() = %q", res.Text())
	}

	res, err = client.CallTool(context.Background(), "always_fails", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Error("expected isError=true")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if client.Connected() {
		t.Error("still connected after Close")
	}
}

func TestStdioCallTimeout(t *testing.T) {
	cfg := ServerConfig{
		Command: os.Args[0],
		Env:     map[string]string{helperEnv: "silent"},
	}

	_, err := Connect(context.Background(), "silent", cfg, WithCallTimeout(200*time.Millisecond))
	if err == nil {
		t.Fatal("expected timeout connecting to a mute server")
	}
	var te *conductor.ErrTimeout
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *conductor.ErrTimeout", err)
	}
	if te.Budget != 200*time.Millisecond {
		t.Errorf("budget = %v", te.Budget)
	}
}

func TestStdioConnectBadCommand(t *testing.T) {
	cfg := ServerConfig{Command: "/nonexistent/conductor-mcp-test-binary"}
	if _, err := Connect(context.Background(), "broken", cfg); err == nil {
		t.Fatal("expected error for unlaunchable command")
	}
}

func TestStdioSharedSupervisor(t *testing.T) {
	sup := conductor.NewSupervisor()
	cfg := ServerConfig{
		Command: os.Args[0],
		Env:     map[string]string{helperEnv: "serve"},
	}

	client, err := Connect(context.Background(), "shared", cfg,
		WithSupervisor(sup), WithCallTimeout(10*time.Second))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The server process is registered under the shared supervisor.
	info, err := sup.Info("shared")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !info.Running {
		t.Error("expected server process running")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := sup.Info("shared"); err == nil {
		t.Error("expected process removed from supervisor after Close")
	}
}
