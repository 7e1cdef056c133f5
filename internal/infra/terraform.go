// Package infra drives the external declarative infrastructure tool
// (terraform). The resource graph itself is externally owned; this package
// only supplies parameters and observes apply/destroy success or failure.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/opsforge/shipctl/internal/shell"
)

// PlanHandle identifies a saved execution plan produced by Plan.
type PlanHandle struct {
	// File is the saved plan file, relative to the working directory.
	File string
	// Vars is the parameter set the plan was computed with.
	Vars map[string]string
}

// Controller plans, applies and destroys the external resource graph.
type Controller struct {
	runner  shell.Runner
	logger  *slog.Logger
	workdir string
}

// NewController constructs a Controller rooted at the given terraform directory.
func NewController(runner shell.Runner, logger *slog.Logger, workdir string) *Controller {
	if workdir == "" {
		workdir = "."
	}
	return &Controller{runner: runner, logger: logger, workdir: workdir}
}

// Plan initializes the working directory and computes a saved execution plan
// parameterized by vars.
func (c *Controller) Plan(ctx context.Context, vars map[string]string) (PlanHandle, error) {
	var zero PlanHandle

	if err := c.run(ctx, "init", "-input=false"); err != nil {
		return zero, fmt.Errorf("infrastructure init: %w", err)
	}

	args := append([]string{"plan", "-input=false", "-out=tfplan"}, varFlags(vars)...)
	if err := c.run(ctx, args...); err != nil {
		return zero, fmt.Errorf("infrastructure plan: %w", err)
	}
	return PlanHandle{File: "tfplan", Vars: vars}, nil
}

// Apply applies a previously saved plan. Callers gate this behind approval.
func (c *Controller) Apply(ctx context.Context, handle PlanHandle) error {
	if handle.File == "" {
		return fmt.Errorf("apply requires a saved plan")
	}
	if err := c.run(ctx, "apply", "-input=false", handle.File); err != nil {
		return fmt.Errorf("infrastructure apply: %w", err)
	}
	return nil
}

// DestroyTargets tears down the given resource selectors in order, each
// best-effort. Per-target failures are logged and ignored: cluster-attached
// workloads must go before their owning infrastructure or the full destroy
// stalls, but a target that is already gone must not stop the teardown.
func (c *Controller) DestroyTargets(ctx context.Context, vars map[string]string, targets []string) error {
	flags := varFlags(vars)
	for _, target := range targets {
		args := append([]string{"destroy", "-input=false", "-auto-approve", "-target=" + target}, flags...)
		if err := c.run(ctx, args...); err != nil {
			c.logger.Warn("staged destroy target failed, continuing", "target", target, "error", err)
		}
	}
	return nil
}

// Destroy tears down the resource graph as a whole. When targets are given
// they are destroyed first via DestroyTargets.
func (c *Controller) Destroy(ctx context.Context, vars map[string]string, targets []string) error {
	if len(targets) > 0 {
		_ = c.DestroyTargets(ctx, vars, targets)
	}

	args := append([]string{"destroy", "-input=false", "-auto-approve"}, varFlags(vars)...)
	if err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("infrastructure destroy: %w", err)
	}
	return nil
}

// Output reads a single output value from the applied state. A missing output
// yields an empty string, not an error.
func (c *Controller) Output(ctx context.Context, name string) (string, error) {
	out, err := c.runner.Output(ctx, "terraform", "-chdir="+c.workdir, "output", "-raw", name)
	if err != nil {
		c.logger.Debug("infrastructure output not available", "name", name, "error", err)
		return "", nil
	}
	return string(out), nil
}

func (c *Controller) run(ctx context.Context, args ...string) error {
	full := append([]string{"-chdir=" + c.workdir}, args...)
	return c.runner.Run(ctx, "terraform", full...)
}

// varFlags renders vars as -var flags in stable key order.
func varFlags(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	flags := make([]string, 0, len(keys))
	for _, k := range keys {
		flags = append(flags, fmt.Sprintf("-var=%s=%s", k, vars[k]))
	}
	return flags
}
