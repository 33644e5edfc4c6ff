// ABOUTME: Task executor spawning the automation subprocess per assignment.
// ABOUTME: Injects credentials as arguments and parses marker lines from stdout.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/2389/fleet-gateway/internal/protocol"
)

// Stdout markers emitted by the automation command. Everything else on
// stdout is ignored; stderr is logged verbatim at debug level.
const (
	markerLog    = "AUTOMATION_LOG:"
	markerResult = "TASK_RESULT:"
	markerFatal  = "FATAL_ERROR:"
)

// logLine is the JSON payload of an AUTOMATION_LOG marker.
type logLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// outcome is what a finished subprocess produced.
type outcome struct {
	result string
	err    error
}

// executor runs one automation command per task.
type executor struct {
	command []string
	logger  *slog.Logger
}

func newExecutor(command string, logger *slog.Logger) *executor {
	return &executor{
		command: strings.Fields(command),
		logger:  logger.With("component", "executor"),
	}
}

// execute runs the automation command for an assignment and parses its
// markers. Credentials are passed as a JSON argument and never logged.
// onLog receives AUTOMATION_LOG lines for forwarding to the gateway.
func (e *executor) execute(ctx context.Context, assignment *protocol.TaskAssignment,
	onLog func(level, message string)) outcome {

	if len(e.command) == 0 {
		return outcome{err: errors.New("no automation command configured")}
	}

	args := append([]string(nil), e.command[1:]...)
	args = append(args, "--task", assignment.Description)
	if len(assignment.Credentials) > 0 {
		credJSON, err := json.Marshal(assignment.Credentials)
		if err != nil {
			return outcome{err: fmt.Errorf("encoding credentials: %w", err)}
		}
		args = append(args, "--credentials", string(credJSON))
	}

	cmd := exec.CommandContext(ctx, e.command[0], args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return outcome{err: fmt.Errorf("attaching stdout: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return outcome{err: fmt.Errorf("attaching stderr: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return outcome{err: fmt.Errorf("starting automation command: %w", err)}
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			e.logger.Debug("automation stderr", "line", scanner.Text())
		}
	}()

	var result string
	var fatal string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, markerLog):
			var entry logLine
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, markerLog)), &entry); err != nil {
				e.logger.Debug("unparseable log marker", "line", line)
				continue
			}
			onLog(entry.Level, entry.Message)
		case strings.HasPrefix(line, markerResult):
			result = strings.TrimSpace(strings.TrimPrefix(line, markerResult))
		case strings.HasPrefix(line, markerFatal):
			fatal = strings.TrimSpace(strings.TrimPrefix(line, markerFatal))
		}
	}

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return outcome{err: context.Canceled}
	}
	if fatal != "" {
		return outcome{err: errors.New(fatal)}
	}
	if waitErr != nil {
		return outcome{err: fmt.Errorf("automation command failed: %w", waitErr)}
	}
	if result == "" {
		return outcome{err: errors.New("automation command produced no result")}
	}
	return outcome{result: result}
}
