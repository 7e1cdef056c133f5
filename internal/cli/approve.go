package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/opsforge/shipctl/internal/pipeline"
)

// AutoApprover approves every plan without asking. Used with --auto-approve
// in non-interactive CI runs.
type AutoApprover struct{}

// Approve always accepts.
func (AutoApprover) Approve(context.Context, *pipeline.Run) (bool, error) {
	return true, nil
}

// TerminalApprover asks the operator on the terminal whether the computed plan
// may be applied. The orchestrator bounds the wait with its approval timeout.
type TerminalApprover struct {
	In  io.Reader
	Out io.Writer
}

// Approve prompts and waits for a yes/no answer or context expiry.
func (a *TerminalApprover) Approve(ctx context.Context, run *pipeline.Run) (bool, error) {
	fmt.Fprintf(a.Out, "apply the computed plan for run %s (cluster %s)? [y/N]: ",
		run.ID, run.Config[pipeline.KeyClusterName])

	answers := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(a.In)
		if scanner.Scan() {
			answers <- scanner.Text()
			return
		}
		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}
		errs <- io.EOF
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("approval gate timed out: %w", ctx.Err())
	case err := <-errs:
		return false, fmt.Errorf("read approval answer: %w", err)
	case answer := <-answers:
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
