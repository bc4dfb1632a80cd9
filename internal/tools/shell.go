package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/logger"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellOutput      = 65536 // bytes kept per stream
)

// ShellTool runs a command through the system shell.
type ShellTool struct {
	workingDir string
	timeout    time.Duration
}

func NewShellTool(workingDir string, timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	return &ShellTool{workingDir: workingDir, timeout: timeout}
}

func (t *ShellTool) Name() string {
	return "shell"
}

func (t *ShellTool) Description() string {
	return "Run a shell command in the working directory and return its output and exit code. Commands are killed when they exceed the timeout."
}

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Command line to run with sh -c",
			},
			"input": map[string]any{
				"type":        "string",
				"description": "Optional text written to the command's stdin",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Optional timeout override in seconds",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	command := GetStringParam(args, "command", "")
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	timeout := t.timeout
	if secs := GetIntParam(args, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Debug("shell: %s (timeout %s)", command, timeout)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if t.workingDir != "" {
		cmd.Dir = t.workingDir
	}
	if input := GetStringParam(args, "input", ""); input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	timedOut := ctx.Err() == context.DeadlineExceeded
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if !timedOut {
			return nil, fmt.Errorf("error running command: %w", err)
		}
	}
	if timedOut {
		exitCode = -1
	}

	logger.Debug("shell: exit=%d, %s elapsed", exitCode, elapsed.Round(time.Millisecond))

	return &Result{
		LLMContent: map[string]any{
			"stdout":    truncateOutput(stdout.String()),
			"stderr":    truncateOutput(stderr.String()),
			"exit_code": exitCode,
			"timed_out": timedOut,
		},
		ReturnDisplay: fmt.Sprintf("$ %s (exit %d)", command, exitCode),
	}, nil
}

func truncateOutput(s string) string {
	if len(s) <= maxShellOutput {
		return s
	}
	return s[:maxShellOutput] + fmt.Sprintf("\n[... output truncated, %d bytes total]", len(s))
}
