// Package params resolves named configuration values from a precedence chain:
// remote parameter store, explicit caller parameter, hard-coded default.
package params

import (
	"context"
	"log/slog"
	"strings"

	"github.com/opsforge/shipctl/internal/shell"
)

// Source identifies where a resolved value came from.
type Source string

const (
	// SourceRemote means the remote parameter store supplied the value.
	SourceRemote Source = "remote"
	// SourceParameter means the explicit caller parameter was used.
	SourceParameter Source = "parameter"
	// SourceDefault means the hard-coded default was used.
	SourceDefault Source = "default"
)

// Value is a resolved configuration value. Read-only once produced.
type Value struct {
	// Key is the configuration key that was resolved.
	Key string
	// Value is the resolved value.
	Value string
	// Source records which link of the precedence chain supplied it.
	Source Source
}

// ParameterSource reads a single value from a remote parameter store.
type ParameterSource interface {
	Get(ctx context.Context, key string) (string, error)
}

// Resolver resolves configuration keys with fallback and caches results for
// the lifetime of one run, so repeated lookups never re-resolve a key.
type Resolver struct {
	source ParameterSource
	logger *slog.Logger
	cache  map[string]Value
}

// NewResolver constructs a Resolver backed by the given remote source.
func NewResolver(source ParameterSource, logger *slog.Logger) *Resolver {
	return &Resolver{
		source: source,
		logger: logger,
		cache:  make(map[string]Value),
	}
}

// Resolve returns the value for key, trying the remote store first and falling
// back to the explicit parameter, then the default. A remote failure of any
// kind (timeout, permission, not-found) is logged and absorbed; Resolve always
// yields a usable value.
func (r *Resolver) Resolve(ctx context.Context, key, explicit, def string) Value {
	if v, ok := r.cache[key]; ok {
		return v
	}

	v := r.resolve(ctx, key, explicit, def)
	r.cache[key] = v
	return v
}

func (r *Resolver) resolve(ctx context.Context, key, explicit, def string) Value {
	if r.source != nil {
		remote, err := r.source.Get(ctx, key)
		if err == nil && strings.TrimSpace(remote) != "" {
			return Value{Key: key, Value: strings.TrimSpace(remote), Source: SourceRemote}
		}
		if err != nil {
			r.logger.Warn("remote parameter lookup failed, falling back", "key", key, "error", err)
		}
	}

	if strings.TrimSpace(explicit) != "" {
		return Value{Key: key, Value: strings.TrimSpace(explicit), Source: SourceParameter}
	}

	r.logger.Info("using default value for parameter", "key", key, "default", def)
	return Value{Key: key, Value: def, Source: SourceDefault}
}

// SSMSource reads parameters from AWS Systems Manager Parameter Store via the
// aws CLI.
type SSMSource struct {
	runner shell.Runner
	region string
}

// NewSSMSource constructs an SSMSource for the given region.
func NewSSMSource(runner shell.Runner, region string) *SSMSource {
	return &SSMSource{runner: runner, region: region}
}

// Get fetches a single parameter value.
func (s *SSMSource) Get(ctx context.Context, key string) (string, error) {
	args := []string{
		"ssm", "get-parameter",
		"--name", key,
		"--query", "Parameter.Value",
		"--output", "text",
	}
	if s.region != "" {
		args = append(args, "--region", s.region)
	}
	out, err := s.runner.Output(ctx, "aws", args...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
