// ABOUTME: Entry point for the fleet-worker agent that executes automation tasks.
// ABOUTME: Joins a gateway with a connection code, then runs tasks until stopped.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
)

var version = "dev"

// workerState is persisted after a successful join so the worker can
// reconnect without a fresh connection code.
type workerState struct {
	GatewayURL   string   `json:"gateway_url"`
	WorkerID     string   `json:"worker_id"`
	TenantID     string   `json:"tenant_id"`
	SessionToken string   `json:"session_token"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func statePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "worker.json"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "fleet", "worker.json")
}

func loadState() (*workerState, error) {
	data, err := os.ReadFile(statePath())
	if err != nil {
		return nil, err
	}
	var state workerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing worker state: %w", err)
	}
	return &state, nil
}

func saveState(state *workerState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	path := statePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing worker state: %w", err)
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fleet-worker <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  join --gateway URL --code CODE   Register with a gateway")
		fmt.Println("  run  --exec COMMAND              Connect and execute tasks")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "join":
		err = runJoin(ctx, os.Args[2:])
	case "run":
		err = runAgent(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runJoin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	gatewayURL := fs.String("gateway", "", "gateway websocket URL (ws://host:port/ws)")
	code := fs.String("code", "", "connection code issued by the gateway")
	name := fs.String("name", defaultWorkerName(), "worker display name")
	capsFlag := fs.String("capabilities", "", "comma-separated capability tags")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *gatewayURL == "" || *code == "" {
		return fmt.Errorf("--gateway and --code are required")
	}

	capabilities := splitTags(*capsFlag)

	state, err := join(ctx, *gatewayURL, *code, *name, capabilities)
	if err != nil {
		return err
	}
	if err := saveState(state); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Registered with %s\n", state.GatewayURL)
	fmt.Printf("  worker_id: %s\n", state.WorkerID)
	fmt.Printf("  tenant:    %s\n", state.TenantID)
	fmt.Printf("  state:     %s\n", statePath())
	fmt.Println()
	fmt.Println("Start executing tasks with: fleet-worker run --exec '<command>'")
	return nil
}

func runAgent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	execCommand := fs.String("exec", "", "automation command to run per task")
	heartbeat := fs.Duration("heartbeat", defaultHeartbeatInterval, "heartbeat interval")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *execCommand == "" {
		return fmt.Errorf("--exec is required")
	}

	state, err := loadState()
	if err != nil {
		return fmt.Errorf("no saved registration, run 'fleet-worker join' first: %w", err)
	}

	logger := newLogger(*logLevel)
	logger.Info("starting fleet-worker",
		"version", version,
		"worker_id", state.WorkerID,
		"gateway", state.GatewayURL)

	a := &agent{
		state:     state,
		executor:  newExecutor(*execCommand, logger),
		heartbeat: *heartbeat,
		logger:    logger,
	}
	return a.run(ctx)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func defaultWorkerName() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return hostname
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
