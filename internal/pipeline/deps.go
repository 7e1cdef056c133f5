package pipeline

import (
	"context"
	"time"

	"github.com/opsforge/shipctl/internal/infra"
	"github.com/opsforge/shipctl/internal/params"
)

// ConfigResolver resolves named configuration values with fallback.
type ConfigResolver interface {
	Resolve(ctx context.Context, key, explicit, def string) params.Value
}

// RegistryClient manages artifact repositories and pushes tagged artifacts.
type RegistryClient interface {
	EnsureRepository(ctx context.Context, name string) error
	Authenticate(ctx context.Context, host string) error
	Push(ctx context.Context, artifact Artifact) error
	Host(accountID, region string) string
}

// ArtifactBuilder builds artifacts and runs the pre-publish smoke test.
type ArtifactBuilder interface {
	Build(ctx context.Context, sourcePath string, artifact Artifact) error
	SmokeTest(ctx context.Context, artifact Artifact, port int) error
}

// InfraController plans, applies and destroys the external resource graph.
type InfraController interface {
	Plan(ctx context.Context, vars map[string]string) (infra.PlanHandle, error)
	Apply(ctx context.Context, handle infra.PlanHandle) error
	// DestroyTargets removes specific resource selectors in order, each
	// best-effort; per-target failures do not surface as errors.
	DestroyTargets(ctx context.Context, vars map[string]string, targets []string) error
	// Destroy removes the resource graph, destroying targets first when given.
	Destroy(ctx context.Context, vars map[string]string, targets []string) error
	Output(ctx context.Context, name string) (string, error)
}

// HealthChecker verifies a deployed endpoint with bounded retries.
type HealthChecker interface {
	WaitHealthy(ctx context.Context, endpoint string, maxAttempts int, interval time.Duration) HealthCheckResult
}

// Approver is the human gate consulted before an irreversible apply.
type Approver interface {
	// Approve blocks until the gate is answered or ctx expires. It returns
	// false for an explicit rejection.
	Approve(ctx context.Context, run *Run) (bool, error)
}

// Rollbacker best-effort reverts provisioned infrastructure on failure.
type Rollbacker interface {
	Rollback(ctx context.Context, vars map[string]string)
}

// Deps collects the collaborators the Orchestrator sequences. Every external
// action sits behind one of these narrow interfaces so the control flow is
// testable without real external systems.
type Deps struct {
	Config   ConfigResolver
	Registry RegistryClient
	Builder  ArtifactBuilder
	Infra    InfraController
	Health   HealthChecker
	Approver Approver
	Rollback Rollbacker
}
