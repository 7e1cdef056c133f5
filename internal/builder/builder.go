// Package builder produces tagged container artifacts and verifies them with a
// local smoke test before they are published.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opsforge/shipctl/internal/pipeline"
	"github.com/opsforge/shipctl/internal/shell"
)

// Options tune the smoke test behavior.
type Options struct {
	// ContainerPort is the port the application listens on inside the container.
	ContainerPort int
	// SettleDelay is how long to wait after container start before probing.
	SettleDelay time.Duration
	// ProbePaths are the HTTP paths that must each return 200. The root path
	// is always probed first.
	ProbePaths []string
	// ProbeTimeout bounds each individual HTTP probe.
	ProbeTimeout time.Duration
}

// Builder builds images with docker and smoke-tests them as transient containers.
type Builder struct {
	runner shell.Runner
	logger *slog.Logger
	opts   Options
}

// New constructs a Builder. Zero option fields get sensible defaults.
func New(runner shell.Runner, logger *slog.Logger, opts Options) *Builder {
	if opts.ContainerPort <= 0 {
		opts.ContainerPort = 80
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 3 * time.Second
	}
	if len(opts.ProbePaths) == 0 {
		opts.ProbePaths = []string{"/index.html"}
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Builder{runner: runner, logger: logger, opts: opts}
}

// Build produces the tagged artifact image from the given source tree.
func (b *Builder) Build(ctx context.Context, sourcePath string, artifact pipeline.Artifact) error {
	if strings.TrimSpace(sourcePath) == "" {
		sourcePath = "."
	}
	b.logger.Info("building artifact", "uri", artifact.URI, "source", sourcePath)
	if err := b.runner.Run(ctx, "docker", "build", "-t", artifact.URI, sourcePath); err != nil {
		return fmt.Errorf("build artifact %q: %w", artifact.URI, err)
	}
	return nil
}

// SmokeTest runs the artifact as a transient container bound to hostPort
// (0 picks a free port), waits for it to settle, and requires HTTP 200 from
// the root path and every configured content path. The container is removed
// on every exit path.
func (b *Builder) SmokeTest(ctx context.Context, artifact pipeline.Artifact, hostPort int) (err error) {
	publish := fmt.Sprintf("127.0.0.1::%d", b.opts.ContainerPort)
	if hostPort > 0 {
		publish = fmt.Sprintf("127.0.0.1:%d:%d", hostPort, b.opts.ContainerPort)
	}

	out, err := b.runner.Output(ctx, "docker", "run", "-d", "-p", publish, artifact.URI)
	if err != nil {
		return fmt.Errorf("start smoke test container: %w", err)
	}
	containerID := strings.TrimSpace(string(out))

	defer func() {
		// Teardown must happen whether the probes passed or not. A failure to
		// remove the container must not mask the probe result.
		if rmErr := b.runner.Run(context.WithoutCancel(ctx), "docker", "rm", "-f", containerID); rmErr != nil {
			b.logger.Warn("failed to remove smoke test container", "container", containerID, "error", rmErr)
		}
	}()

	port := hostPort
	if port == 0 {
		port, err = b.resolveHostPort(ctx, containerID)
		if err != nil {
			return err
		}
	}

	b.logger.Info("smoke test container started", "container", containerID, "port", port)
	time.Sleep(b.opts.SettleDelay)

	client := &http.Client{Timeout: b.opts.ProbeTimeout}
	paths := append([]string{"/"}, b.opts.ProbePaths...)
	for _, path := range paths {
		url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
		if err := b.probe(ctx, client, url); err != nil {
			return fmt.Errorf("smoke test probe %s: %w", path, err)
		}
		b.logger.Info("smoke test probe passed", "url", url)
	}
	return nil
}

// resolveHostPort asks docker which host port was bound for the container port.
func (b *Builder) resolveHostPort(ctx context.Context, containerID string) (int, error) {
	spec := fmt.Sprintf("%d/tcp", b.opts.ContainerPort)
	out, err := b.runner.Output(ctx, "docker", "port", containerID, spec)
	if err != nil {
		return 0, fmt.Errorf("resolve smoke test port: %w", err)
	}
	// docker port prints one binding per line, e.g. "127.0.0.1:49154".
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return 0, fmt.Errorf("unexpected docker port output %q", line)
	}
	port, err := strconv.Atoi(line[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("unexpected docker port output %q: %w", line, err)
	}
	return port, nil
}

func (b *Builder) probe(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
