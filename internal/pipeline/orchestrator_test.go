package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/shipctl/internal/infra"
	"github.com/opsforge/shipctl/internal/logging"
	"github.com/opsforge/shipctl/internal/params"
)

type fakeResolver struct {
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, key, explicit, def string) params.Value {
	f.calls++
	if explicit != "" {
		return params.Value{Key: key, Value: explicit, Source: params.SourceParameter}
	}
	return params.Value{Key: key, Value: def, Source: params.SourceDefault}
}

type fakeRegistry struct {
	ensures   []string
	authHosts []string
	pushes    []Artifact
	ensureErr error
	pushErr   error
}

func (f *fakeRegistry) EnsureRepository(_ context.Context, name string) error {
	f.ensures = append(f.ensures, name)
	return f.ensureErr
}

func (f *fakeRegistry) Authenticate(_ context.Context, host string) error {
	f.authHosts = append(f.authHosts, host)
	return nil
}

func (f *fakeRegistry) Push(_ context.Context, artifact Artifact) error {
	f.pushes = append(f.pushes, artifact)
	return f.pushErr
}

func (f *fakeRegistry) Host(accountID, region string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", accountID, region)
}

type fakeBuilder struct {
	builds   int
	smokes   int
	built    Artifact
	buildErr error
	smokeErr error
}

func (f *fakeBuilder) Build(_ context.Context, _ string, artifact Artifact) error {
	f.builds++
	f.built = artifact
	return f.buildErr
}

func (f *fakeBuilder) SmokeTest(_ context.Context, _ Artifact, _ int) error {
	f.smokes++
	return f.smokeErr
}

type fakeInfra struct {
	planCalls    int
	applyCalls   int
	destroyCalls int
	targetCalls  [][]string
	planVars     map[string]string
	applyErr     error
	destroyErr   error
	endpoint     string
}

func (f *fakeInfra) Plan(_ context.Context, vars map[string]string) (infra.PlanHandle, error) {
	f.planCalls++
	f.planVars = vars
	return infra.PlanHandle{File: "tfplan", Vars: vars}, nil
}

func (f *fakeInfra) Apply(_ context.Context, _ infra.PlanHandle) error {
	f.applyCalls++
	return f.applyErr
}

func (f *fakeInfra) DestroyTargets(_ context.Context, _ map[string]string, targets []string) error {
	f.targetCalls = append(f.targetCalls, targets)
	return nil
}

func (f *fakeInfra) Destroy(_ context.Context, _ map[string]string, _ []string) error {
	f.destroyCalls++
	return f.destroyErr
}

func (f *fakeInfra) Output(_ context.Context, _ string) (string, error) {
	return f.endpoint, nil
}

type fakeHealth struct {
	result      HealthCheckResult
	gotEndpoint string
	gotAttempts int
	gotInterval time.Duration
	calls       int
}

func (f *fakeHealth) WaitHealthy(_ context.Context, endpoint string, maxAttempts int, interval time.Duration) HealthCheckResult {
	f.calls++
	f.gotEndpoint = endpoint
	f.gotAttempts = maxAttempts
	f.gotInterval = interval
	if endpoint == "" {
		return HealthCheckResult{Verdict: VerdictInconclusive}
	}
	return f.result
}

type fakeApprover struct {
	ok    bool
	block bool
	calls int
}

func (f *fakeApprover) Approve(ctx context.Context, _ *Run) (bool, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return f.ok, nil
}

type fakeRollback struct {
	calls int
	vars  map[string]string
}

func (f *fakeRollback) Rollback(_ context.Context, vars map[string]string) {
	f.calls++
	f.vars = vars
}

type fixture struct {
	resolver *fakeResolver
	registry *fakeRegistry
	builder  *fakeBuilder
	infra    *fakeInfra
	health   *fakeHealth
	approver *fakeApprover
	rollback *fakeRollback
}

func newFixture() *fixture {
	return &fixture{
		resolver: &fakeResolver{},
		registry: &fakeRegistry{},
		builder:  &fakeBuilder{},
		infra:    &fakeInfra{endpoint: "http://lb.example.com"},
		health:   &fakeHealth{result: HealthCheckResult{Attempts: 3, LastStatus: 200, Verdict: VerdictHealthy}},
		approver: &fakeApprover{ok: true},
		rollback: &fakeRollback{},
	}
}

func (f *fixture) orchestrator(settings Settings) *Orchestrator {
	deps := Deps{
		Config:   f.resolver,
		Registry: f.registry,
		Builder:  f.builder,
		Infra:    f.infra,
		Health:   f.health,
		Approver: f.approver,
		Rollback: f.rollback,
	}
	logger := logging.NewLogger(io.Discard, logging.LevelError)
	return NewOrchestrator(deps, settings, logger)
}

func deployParams() Params {
	return Params{
		AccountID:   "205930632952",
		Region:      "eu-west-1",
		ClusterName: "storefront",
		BuildNumber: 42,
		Commit:      "abcd123",
	}
}

func TestDeployHappyPath(t *testing.T) {
	f := newFixture()
	orch := f.orchestrator(Settings{Repository: "storefront-web"})
	run := NewRun(ModeDeploy, deployParams())

	result, err := orch.Execute(context.Background(), run)

	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result)
	assert.Equal(t, StateDone, run.State)

	assert.Equal(t, "v42-abcd123", run.Artifact.Tag)
	assert.Equal(t, "205930632952.dkr.ecr.eu-west-1.amazonaws.com/storefront-web:v42-abcd123", run.Artifact.URI)

	assert.Equal(t, []string{"storefront-web"}, f.registry.ensures)
	assert.Equal(t, []string{"205930632952.dkr.ecr.eu-west-1.amazonaws.com"}, f.registry.authHosts)
	require.Len(t, f.registry.pushes, 1)
	assert.Equal(t, run.Artifact, f.registry.pushes[0])

	assert.Equal(t, 1, f.builder.builds)
	assert.Equal(t, 1, f.builder.smokes)
	assert.Equal(t, 1, f.infra.planCalls)
	assert.Equal(t, 1, f.approver.calls)
	assert.Equal(t, 1, f.infra.applyCalls)
	assert.Equal(t, 0, f.rollback.calls)

	assert.Equal(t, 20, f.health.gotAttempts)
	assert.Equal(t, 15*time.Second, f.health.gotInterval)
	assert.Equal(t, "http://lb.example.com", f.health.gotEndpoint)

	assert.Equal(t, run.Artifact.URI, f.infra.planVars["image_uri"])
	assert.Equal(t, "storefront", f.infra.planVars["cluster_name"])
	assert.Equal(t, "eu-west-1", f.infra.planVars["region"])
	assert.Equal(t, "205930632952", f.infra.planVars["account_id"])

	for _, out := range run.Outcomes {
		assert.Equal(t, StageSucceeded, out.Status, "stage %s", out.Stage)
	}
}

func TestValidationFailureMakesNoExternalCalls(t *testing.T) {
	f := newFixture()
	orch := f.orchestrator(Settings{Repository: "storefront-web"})
	p := deployParams()
	p.AccountID = "not-an-account"
	run := NewRun(ModeDeploy, p)

	result, err := orch.Execute(context.Background(), run)

	assert.Equal(t, ResultFailed, result)
	assert.Equal(t, StateFailed, run.State)

	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	assert.Zero(t, f.resolver.calls)
	assert.Empty(t, f.registry.ensures)
	assert.Zero(t, f.builder.builds)
	assert.Zero(t, f.infra.planCalls)
	assert.Zero(t, f.health.calls)
	assert.Zero(t, f.rollback.calls)
}

func TestApplyErrorTriggersRollbackOnce(t *testing.T) {
	f := newFixture()
	f.infra.applyErr = errors.New("apply blew up")
	orch := f.orchestrator(Settings{Repository: "storefront-web"})
	run := NewRun(ModeDeploy, deployParams())

	result, err := orch.Execute(context.Background(), run)

	assert.Equal(t, ResultFailed, result)
	assert.Error(t, err)
	assert.Equal(t, 1, f.rollback.calls)
	assert.Equal(t, "storefront", f.rollback.vars["cluster_name"])
	assert.Zero(t, f.health.calls)
}

func TestApprovalRejectionNeverApplies(t *testing.T) {
	f := newFixture()
	f.approver.ok = false
	orch := f.orchestrator(Settings{Repository: "storefront-web"})
	run := NewRun(ModeDeploy, deployParams())

	result, err := orch.Execute(context.Background(), run)

	assert.Equal(t, ResultFailed, result)
	assert.ErrorContains(t, err, "rejected")
	assert.Zero(t, f.infra.applyCalls)
	assert.Equal(t, 1, f.rollback.calls)
}

func TestApprovalTimeoutNeverApplies(t *testing.T) {
	f := newFixture()
	f.approver.block = true
	orch := f.orchestrator(Settings{
		Repository:      "storefront-web",
		ApprovalTimeout: 20 * time.Millisecond,
	})
	run := NewRun(ModeDeploy, deployParams())

	result, err := orch.Execute(context.Background(), run)

	assert.Equal(t, ResultFailed, result)
	assert.Error(t, err)
	assert.Zero(t, f.infra.applyCalls)
	assert.Equal(t, 1, f.rollback.calls)
}

func TestUnhealthyDeploymentWarnsWithoutRollbackByDefault(t *testing.T) {
	f := newFixture()
	f.health.result = HealthCheckResult{Attempts: 20, LastStatus: 503, Verdict: VerdictUnhealthy}
	orch := f.orchestrator(Settings{Repository: "storefront-web"})
	run := NewRun(ModeDeploy, deployParams())

	result, err := orch.Execute(context.Background(), run)

	assert.Equal(t, ResultFailed, result)
	assert.ErrorContains(t, err, "unhealthy")
	assert.Zero(t, f.rollback.calls)
}

func TestUnhealthyDeploymentRollsBackWhenPolicySet(t *testing.T) {
	f := newFixture()
	f.health.result = HealthCheckResult{Attempts: 20, LastStatus: 503, Verdict: VerdictUnhealthy}
	orch := f.orchestrator(Settings{
		Repository:          "storefront-web",
		RollbackOnUnhealthy: true,
	})
	run := NewRun(ModeDeploy, deployParams())

	result, err := orch.Execute(context.Background(), run)

	assert.Equal(t, ResultFailed, result)
	assert.Error(t, err)
	assert.Equal(t, 1, f.rollback.calls)
}

func TestMissingEndpointIsInconclusiveNotFatal(t *testing.T) {
	f := newFixture()
	f.infra.endpoint = ""
	orch := f.orchestrator(Settings{Repository: "storefront-web"})
	run := NewRun(ModeDeploy, deployParams())

	result, err := orch.Execute(context.Background(), run)

	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result)
	assert.Equal(t, 1, f.health.calls)
	assert.Empty(t, f.health.gotEndpoint)
}

func TestDestroyPath(t *testing.T) {
	f := newFixture()
	orch := f.orchestrator(Settings{
		Repository:           "storefront-web",
		StagedDestroyTargets: []string{"kubernetes_deployment.app", "kubernetes_service_account.app"},
	})
	run := NewRun(ModeDestroy, deployParams())

	result, err := orch.Execute(context.Background(), run)

	require.NoError(t, err)
	assert.Equal(t, ResultDestroyed, result)
	assert.Equal(t, StateDone, run.State)

	require.Len(t, f.infra.targetCalls, 1)
	assert.Equal(t, []string{"kubernetes_deployment.app", "kubernetes_service_account.app"}, f.infra.targetCalls[0])
	assert.Equal(t, 1, f.infra.destroyCalls)

	// Destroy builds nothing, publishes nothing and never rolls back.
	assert.Zero(t, f.builder.builds)
	assert.Empty(t, f.registry.ensures)
	assert.Zero(t, f.rollback.calls)

	var validateOutcome *StageOutcome
	for i := range run.Outcomes {
		if run.Outcomes[i].Stage == StateValidateParams {
			validateOutcome = &run.Outcomes[i]
		}
	}
	require.NotNil(t, validateOutcome)
	assert.Equal(t, StageSkipped, validateOutcome.Status)
}

func TestDestroyFailureDoesNotRollback(t *testing.T) {
	f := newFixture()
	f.infra.destroyErr = errors.New("destroy stalled")
	orch := f.orchestrator(Settings{Repository: "storefront-web"})
	run := NewRun(ModeDestroy, deployParams())

	result, err := orch.Execute(context.Background(), run)

	assert.Equal(t, ResultFailed, result)
	assert.Error(t, err)
	assert.Zero(t, f.rollback.calls)
}

func TestConfigSnapshotIsWriteOnce(t *testing.T) {
	f := newFixture()
	orch := f.orchestrator(Settings{Repository: "storefront-web"})
	run := NewRun(ModeDeploy, deployParams())

	require.NoError(t, orch.resolveConfig(context.Background(), run))
	assert.Equal(t, "205930632952", run.Config[KeyAccountID])

	err := orch.resolveConfig(context.Background(), run)
	assert.ErrorContains(t, err, "already resolved")
}
