// Package config contains the loader and strongly typed model for ship.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProjectConfig describes a deployable project. It mirrors the structure of
// ship.yaml.
type ProjectConfig struct {
	// Project is the short project name used in defaults and logging.
	Project string `yaml:"project"`
	// Repository is the artifact repository name. Defaults to the project name.
	Repository string `yaml:"repository,omitempty"`
	// Region is the default target region.
	Region string `yaml:"region,omitempty"`
	// Cluster is the default target cluster name.
	Cluster string `yaml:"cluster,omitempty"`
	// AccountParam is the remote parameter store key for the account id.
	AccountParam string `yaml:"accountParam,omitempty"`
	// ClusterParam is the remote parameter store key for the cluster name.
	ClusterParam string `yaml:"clusterParam,omitempty"`
	// DefaultAccount is the last-resort account id when neither the remote
	// store nor the caller supplies one.
	DefaultAccount string `yaml:"defaultAccount,omitempty"`
	// TerraformDir is the infrastructure working directory.
	TerraformDir string `yaml:"terraformDir,omitempty"`
	// ServiceExposure is the service exposure type passed to infrastructure.
	ServiceExposure string `yaml:"serviceExposure,omitempty"`
	// EnvFiles lists .env files loaded into the process environment.
	EnvFiles []string `yaml:"envFiles,omitempty"`
	// Smoke configures the pre-publish smoke test.
	Smoke SmokeConfig `yaml:"smoke,omitempty"`
	// Health configures post-deploy health verification.
	Health HealthConfig `yaml:"health,omitempty"`
	// Approval configures the pre-apply approval gate.
	Approval ApprovalConfig `yaml:"approval,omitempty"`
	// Destroy configures teardown ordering.
	Destroy DestroyConfig `yaml:"destroy,omitempty"`
}

// SmokeConfig tunes the local smoke test of a freshly built artifact.
type SmokeConfig struct {
	// ContainerPort is the port the application serves inside the container.
	ContainerPort int `yaml:"containerPort,omitempty"`
	// SettleDelay is the string-form wait before the first probe (e.g. "3s").
	SettleDelay string `yaml:"settleDelay,omitempty"`
	// Paths are content paths probed in addition to the root path.
	Paths []string `yaml:"paths,omitempty"`
}

// HealthConfig tunes the bounded health verification loop.
type HealthConfig struct {
	// Output is the infrastructure output name holding the service URL.
	Output string `yaml:"output,omitempty"`
	// Path is appended to the service URL for probes.
	Path string `yaml:"path,omitempty"`
	// Attempts bounds the polling loop.
	Attempts int `yaml:"attempts,omitempty"`
	// Interval is the string-form sleep between probes (e.g. "15s").
	Interval string `yaml:"interval,omitempty"`
	// RollbackOnUnhealthy tears freshly applied infrastructure back down when
	// verification exhausts its attempts instead of warning.
	RollbackOnUnhealthy bool `yaml:"rollbackOnUnhealthy,omitempty"`
}

// ApprovalConfig tunes the human approval gate.
type ApprovalConfig struct {
	// Timeout is the string-form gate timeout (e.g. "1h").
	Timeout string `yaml:"timeout,omitempty"`
}

// DestroyConfig describes teardown ordering.
type DestroyConfig struct {
	// Targets are resource selectors destroyed best-effort before the rest of
	// the graph.
	Targets []string `yaml:"targets,omitempty"`
}

// Load reads, parses and normalizes the project configuration at path, and
// loads any declared env files into the process environment.
func Load(path string) (*ProjectConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	if strings.TrimSpace(cfg.Project) == "" {
		return nil, fmt.Errorf("config %q: project must be set", path)
	}
	if strings.TrimSpace(cfg.Repository) == "" {
		cfg.Repository = cfg.Project
	}
	if strings.TrimSpace(cfg.TerraformDir) == "" {
		cfg.TerraformDir = "terraform"
	}

	baseDir := filepath.Dir(path)
	for _, name := range cfg.EnvFiles {
		if strings.TrimSpace(name) == "" {
			continue
		}
		envPath := name
		if !filepath.IsAbs(envPath) {
			envPath = filepath.Join(baseDir, name)
		}
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load env file %q: %w", envPath, err)
		}
	}

	return &cfg, nil
}

// ParseDuration parses a string-form duration, falling back to def when the
// value is empty or invalid.
func ParseDuration(value string, def time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
