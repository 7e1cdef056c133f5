// Package shell runs external tools (aws, docker, terraform) with logging and capture.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/opsforge/shipctl/internal/logging"
)

// Runner abstracts external command execution so callers can be tested with fakes.
type Runner interface {
	// Run executes a command, streaming output to the logger.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes a command and returns its trimmed stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// RunWithStdin executes a command with the given bytes piped to stdin.
	RunWithStdin(ctx context.Context, stdin []byte, name string, args ...string) error
}

// CLIRunner is the default Runner backed by os/exec.
type CLIRunner struct {
	logger *slog.Logger
}

// NewCLIRunner constructs a CLIRunner bound to the provided logger.
func NewCLIRunner(logger *slog.Logger) *CLIRunner {
	return &CLIRunner{logger: logger}
}

// Run executes a command and forwards stdout/stderr through the structured logger.
func (r *CLIRunner) Run(ctx context.Context, name string, args ...string) error {
	r.logger.Debug("running command", "cmd", name, "args", args)

	cmd := exec.CommandContext(ctx, name, args...)
	w := logging.NewWriter(r.logger, name)
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

// Output executes a command and captures stdout; stderr goes to the logger.
func (r *CLIRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.logger.Debug("running command", "cmd", name, "args", args)

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = logging.NewWriter(r.logger, name)

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
	}
	return bytes.TrimSpace(stdout.Bytes()), nil
}

// RunWithStdin executes a command with stdin attached, forwarding output to the logger.
func (r *CLIRunner) RunWithStdin(ctx context.Context, stdin []byte, name string, args ...string) error {
	r.logger.Debug("running command", "cmd", name, "args", args)

	cmd := exec.CommandContext(ctx, name, args...)
	w := logging.NewWriter(r.logger, name)
	cmd.Stdout = w
	cmd.Stderr = w
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
	}
	return nil
}
