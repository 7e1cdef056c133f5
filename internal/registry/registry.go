// Package registry integrates with the container artifact registry (ECR) via
// the aws and docker CLIs.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opsforge/shipctl/internal/pipeline"
	"github.com/opsforge/shipctl/internal/shell"
)

// Client manages repositories and pushes tagged artifacts.
type Client struct {
	runner shell.Runner
	logger *slog.Logger
	region string
}

// NewClient constructs a registry Client for the given region.
func NewClient(runner shell.Runner, logger *slog.Logger, region string) *Client {
	return &Client{runner: runner, logger: logger, region: region}
}

// Host returns the registry host for an account and region.
func Host(accountID, region string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", accountID, region)
}

// Host returns the registry host for an account and region.
func (c *Client) Host(accountID, region string) string {
	return Host(accountID, region)
}

// EnsureRepository creates the repository when it does not exist yet.
// It is idempotent: an existing repository (including a creation race) is a
// successful no-op, any other failure is propagated.
func (c *Client) EnsureRepository(ctx context.Context, name string) error {
	describeArgs := []string{
		"ecr", "describe-repositories",
		"--repository-names", name,
		"--region", c.region,
	}
	if _, err := c.runner.Output(ctx, "aws", describeArgs...); err == nil {
		c.logger.Info("repository already exists", "repository", name)
		return nil
	}

	c.logger.Info("creating repository", "repository", name)
	createArgs := []string{
		"ecr", "create-repository",
		"--repository-name", name,
		"--region", c.region,
	}
	if _, err := c.runner.Output(ctx, "aws", createArgs...); err != nil {
		if isAlreadyExists(err) {
			c.logger.Info("repository created concurrently", "repository", name)
			return nil
		}
		return fmt.Errorf("create repository %q: %w", name, err)
	}
	return nil
}

// Authenticate logs docker in to the registry host using a short-lived token.
func (c *Client) Authenticate(ctx context.Context, host string) error {
	token, err := c.runner.Output(ctx, "aws", "ecr", "get-login-password", "--region", c.region)
	if err != nil {
		return fmt.Errorf("obtain registry token: %w", err)
	}

	loginArgs := []string{"login", "--username", "AWS", "--password-stdin", host}
	if err := c.runner.RunWithStdin(ctx, token, "docker", loginArgs...); err != nil {
		return fmt.Errorf("registry login to %q: %w", host, err)
	}
	c.logger.Info("authenticated to registry", "host", host)
	return nil
}

// Push uploads the tagged artifact to the registry.
func (c *Client) Push(ctx context.Context, artifact pipeline.Artifact) error {
	if artifact.URI == "" {
		return fmt.Errorf("artifact has no registry URI")
	}
	if err := c.runner.Run(ctx, "docker", "push", artifact.URI); err != nil {
		return fmt.Errorf("push %q: %w", artifact.URI, err)
	}
	c.logger.Info("artifact pushed", "uri", artifact.URI, "tag", artifact.Tag)
	return nil
}

// isAlreadyExists reports whether err is the duplicate-creation race.
func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "RepositoryAlreadyExistsException") ||
		strings.Contains(strings.ToLower(err.Error()), "already exists")
}
