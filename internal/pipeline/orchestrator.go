package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opsforge/shipctl/internal/infra"
)

// Config keys resolved at the start of every run.
const (
	KeyAccountID   = "account_id"
	KeyClusterName = "cluster_name"
)

// Settings hold per-project orchestration parameters that are not run inputs.
type Settings struct {
	// Repository is the artifact repository name.
	Repository string
	// AccountParamKey is the remote parameter store key for the account id.
	AccountParamKey string
	// ClusterParamKey is the remote parameter store key for the cluster name.
	ClusterParamKey string
	// DefaultAccountID is the last-resort account id.
	DefaultAccountID string
	// DefaultCluster is the last-resort cluster name.
	DefaultCluster string
	// ServiceExposure is the service exposure type handed to the infra vars.
	ServiceExposure string
	// EndpointOutput is the infra output holding the deployed service URL.
	EndpointOutput string
	// HealthPath is appended to the service URL for health probes.
	HealthPath string
	// HealthAttempts bounds the health polling loop.
	HealthAttempts int
	// HealthInterval is the sleep between health probes.
	HealthInterval time.Duration
	// ApprovalTimeout bounds the human approval gate.
	ApprovalTimeout time.Duration
	// RollbackOnUnhealthy destroys freshly applied infrastructure when the
	// health check exhausts its attempts. Off by default: a flaky probe
	// should warn and demand manual verification, not tear the stack down.
	RollbackOnUnhealthy bool
	// StagedDestroyTargets are destroyed one by one before the full destroy.
	StagedDestroyTargets []string
}

// withDefaults fills zero settings fields.
func (s Settings) withDefaults() Settings {
	if s.AccountParamKey == "" {
		s.AccountParamKey = "/shipctl/account-id"
	}
	if s.ClusterParamKey == "" {
		s.ClusterParamKey = "/shipctl/cluster-name"
	}
	if s.ServiceExposure == "" {
		s.ServiceExposure = "LoadBalancer"
	}
	if s.EndpointOutput == "" {
		s.EndpointOutput = "service_url"
	}
	if s.HealthAttempts <= 0 {
		s.HealthAttempts = 20
	}
	if s.HealthInterval <= 0 {
		s.HealthInterval = 15 * time.Second
	}
	if s.ApprovalTimeout <= 0 {
		s.ApprovalTimeout = time.Hour
	}
	return s
}

// Orchestrator sequences the stages of a run, decides its terminal
// disposition and invokes rollback on failure. Stages execute strictly
// sequentially; one orchestrator drives one run at a time.
type Orchestrator struct {
	deps     Deps
	settings Settings
	logger   *slog.Logger
}

// NewOrchestrator constructs an Orchestrator with the given collaborators.
func NewOrchestrator(deps Deps, settings Settings, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		deps:     deps,
		settings: settings.withDefaults(),
		logger:   logger,
	}
}

// Execute drives the run to a terminal state and returns its result. The
// returned error carries the failure cause when the result is ResultFailed.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) (Result, error) {
	o.logger.Info("run started", "run", run.ID, "mode", run.Mode)

	var result Result
	var err error
	switch run.Mode {
	case ModeDestroy:
		result, err = o.executeDestroy(ctx, run)
	default:
		result, err = o.executeDeploy(ctx, run)
	}

	o.report(run, result)
	return result, err
}

func (o *Orchestrator) executeDeploy(ctx context.Context, run *Run) (Result, error) {
	run.record(StateInit, StageSucceeded, nil)

	if err := o.stage(ctx, run, StateValidateParams, func(context.Context) error {
		return run.Params.Validate()
	}); err != nil {
		// Nothing was provisioned yet; rollback is a no-op by construction.
		return o.fail(ctx, run, err, false)
	}

	if err := o.stage(ctx, run, StateResolveConfig, func(ctx context.Context) error {
		return o.resolveConfig(ctx, run)
	}); err != nil {
		return o.fail(ctx, run, err, true)
	}

	if err := o.stage(ctx, run, StateEnsureRepository, func(ctx context.Context) error {
		return o.deps.Registry.EnsureRepository(ctx, o.settings.Repository)
	}); err != nil {
		return o.fail(ctx, run, err, true)
	}

	if err := o.stage(ctx, run, StateBuild, func(ctx context.Context) error {
		run.Artifact = o.newArtifact(run)
		return o.deps.Builder.Build(ctx, run.Params.SourcePath, run.Artifact)
	}); err != nil {
		return o.fail(ctx, run, err, true)
	}

	if err := o.stage(ctx, run, StateSmokeTest, func(ctx context.Context) error {
		return o.deps.Builder.SmokeTest(ctx, run.Artifact, run.Params.TestPort)
	}); err != nil {
		return o.fail(ctx, run, err, true)
	}

	if err := o.stage(ctx, run, StateAuthenticate, func(ctx context.Context) error {
		host := o.deps.Registry.Host(run.Config[KeyAccountID], run.Params.Region)
		return o.deps.Registry.Authenticate(ctx, host)
	}); err != nil {
		return o.fail(ctx, run, err, true)
	}

	if err := o.stage(ctx, run, StatePush, func(ctx context.Context) error {
		return o.deps.Registry.Push(ctx, run.Artifact)
	}); err != nil {
		return o.fail(ctx, run, err, true)
	}

	if err := o.stage(ctx, run, StateUpdateInfra, func(context.Context) error {
		run.InfraVars = o.infraVars(run)
		return nil
	}); err != nil {
		return o.fail(ctx, run, err, true)
	}

	var handle infra.PlanHandle
	if err := o.stage(ctx, run, StatePlan, func(ctx context.Context) error {
		h, err := o.deps.Infra.Plan(ctx, run.InfraVars)
		handle = h
		return err
	}); err != nil {
		return o.fail(ctx, run, err, true)
	}

	if err := o.stage(ctx, run, StateApprove, func(ctx context.Context) error {
		return o.awaitApproval(ctx, run)
	}); err != nil {
		// Rejection or timeout: Apply is never called, provisioning so far
		// is still rolled back.
		return o.fail(ctx, run, err, true)
	}

	if err := o.stage(ctx, run, StateApply, func(ctx context.Context) error {
		return o.deps.Infra.Apply(ctx, handle)
	}); err != nil {
		return o.fail(ctx, run, err, true)
	}

	var health HealthCheckResult
	if err := o.stage(ctx, run, StateVerifyHealth, func(ctx context.Context) error {
		var err error
		health, err = o.verifyHealth(ctx, run)
		return err
	}); err != nil {
		if health.Verdict == VerdictUnhealthy && !o.settings.RollbackOnUnhealthy {
			o.logger.Error("deployment is unhealthy; infrastructure left in place for manual verification",
				"attempts", health.Attempts,
				"last_status", health.LastStatus,
			)
			return o.fail(ctx, run, err, false)
		}
		return o.fail(ctx, run, err, true)
	}

	run.State = StateDone
	return ResultSuccess, nil
}

func (o *Orchestrator) executeDestroy(ctx context.Context, run *Run) (Result, error) {
	run.record(StateInit, StageSucceeded, nil)
	run.record(StateValidateParams, StageSkipped, nil)

	if err := o.stage(ctx, run, StateResolveConfig, func(ctx context.Context) error {
		return o.resolveConfig(ctx, run)
	}); err != nil {
		// Rollback is meaningless while destroying.
		return o.fail(ctx, run, err, false)
	}

	run.InfraVars = o.infraVars(run)

	if err := o.stage(ctx, run, StateStagedDestroy, func(ctx context.Context) error {
		if len(o.settings.StagedDestroyTargets) == 0 {
			return nil
		}
		// Per-target failures are swallowed inside the controller; this stage
		// only fails when the controller cannot run at all.
		return o.deps.Infra.DestroyTargets(ctx, run.InfraVars, o.settings.StagedDestroyTargets)
	}); err != nil {
		return o.fail(ctx, run, err, false)
	}

	if err := o.stage(ctx, run, StateFullDestroy, func(ctx context.Context) error {
		return o.deps.Infra.Destroy(ctx, run.InfraVars, nil)
	}); err != nil {
		return o.fail(ctx, run, err, false)
	}

	run.State = StateDone
	return ResultDestroyed, nil
}

// stage advances the run to state, executes fn and records the outcome.
func (o *Orchestrator) stage(ctx context.Context, run *Run, state State, fn func(context.Context) error) error {
	run.State = state
	o.logger.Info("stage started", "run", run.ID, "stage", state)

	if err := fn(ctx); err != nil {
		run.record(state, StageFailed, err)
		o.logger.Error("stage failed", "run", run.ID, "stage", state, "error", err)
		return fmt.Errorf("stage %s: %w", state, err)
	}
	run.record(state, StageSucceeded, nil)
	return nil
}

// fail moves the run to the terminal Failed state, invoking rollback at most
// once. Rollback runs detached from ctx cancellation so an external abort
// still gets cleaned up.
func (o *Orchestrator) fail(ctx context.Context, run *Run, cause error, rollback bool) (Result, error) {
	run.State = StateFailed
	if rollback && o.deps.Rollback != nil {
		o.deps.Rollback.Rollback(context.WithoutCancel(ctx), o.infraVars(run))
	}
	return ResultFailed, cause
}

// resolveConfig produces the write-once configuration snapshot for the run.
func (o *Orchestrator) resolveConfig(ctx context.Context, run *Run) error {
	if run.Config != nil {
		return fmt.Errorf("configuration already resolved for run %s", run.ID)
	}

	account := o.deps.Config.Resolve(ctx, o.settings.AccountParamKey, run.Params.AccountID, o.settings.DefaultAccountID)
	cluster := o.deps.Config.Resolve(ctx, o.settings.ClusterParamKey, run.Params.ClusterName, o.settings.DefaultCluster)

	run.Config = map[string]string{
		KeyAccountID:   account.Value,
		KeyClusterName: cluster.Value,
	}
	o.logger.Info("configuration resolved",
		"account_source", account.Source,
		"cluster", cluster.Value,
		"cluster_source", cluster.Source,
	)
	return nil
}

// newArtifact computes the tagged artifact for the run.
func (o *Orchestrator) newArtifact(run *Run) Artifact {
	tag := run.Params.ComputeTag()
	host := o.deps.Registry.Host(run.Config[KeyAccountID], run.Params.Region)
	return Artifact{
		Repository: o.settings.Repository,
		Tag:        tag,
		URI:        fmt.Sprintf("%s/%s:%s", host, o.settings.Repository, tag),
	}
}

// infraVars builds the opaque parameter set handed to the infra controller.
func (o *Orchestrator) infraVars(run *Run) map[string]string {
	account := run.Params.AccountID
	cluster := run.Params.ClusterName
	if run.Config != nil {
		account = run.Config[KeyAccountID]
		cluster = run.Config[KeyClusterName]
	}
	vars := map[string]string{
		"account_id":   account,
		"cluster_name": cluster,
		"region":       run.Params.Region,
		"service_type": o.settings.ServiceExposure,
	}
	if run.Artifact.URI != "" {
		vars["image_uri"] = run.Artifact.URI
	}
	return vars
}

// awaitApproval blocks on the approval gate, bounded by the approval timeout.
func (o *Orchestrator) awaitApproval(ctx context.Context, run *Run) error {
	if o.deps.Approver == nil {
		return fmt.Errorf("no approver configured")
	}

	gateCtx, cancel := context.WithTimeout(ctx, o.settings.ApprovalTimeout)
	defer cancel()

	ok, err := o.deps.Approver.Approve(gateCtx, run)
	if err != nil {
		return fmt.Errorf("approval gate: %w", err)
	}
	if !ok {
		return fmt.Errorf("deployment rejected at approval gate")
	}
	return nil
}

// verifyHealth resolves the deployed endpoint and polls it.
func (o *Orchestrator) verifyHealth(ctx context.Context, run *Run) (HealthCheckResult, error) {
	endpoint, err := o.deps.Infra.Output(ctx, o.settings.EndpointOutput)
	if err != nil {
		return HealthCheckResult{}, fmt.Errorf("resolve service endpoint: %w", err)
	}
	if endpoint != "" && o.settings.HealthPath != "" {
		endpoint = strings.TrimSuffix(endpoint, "/") + o.settings.HealthPath
	}
	run.Endpoint = endpoint

	res := o.deps.Health.WaitHealthy(ctx, endpoint, o.settings.HealthAttempts, o.settings.HealthInterval)
	switch res.Verdict {
	case VerdictHealthy:
		return res, nil
	case VerdictInconclusive:
		// No endpoint to probe yet; completion is reported with a warning and
		// verification is left to the operator.
		o.logger.Warn("health verification inconclusive, manual verification required", "run", run.ID)
		return res, nil
	default:
		return res, fmt.Errorf("endpoint unhealthy after %d attempts (last status %d)", res.Attempts, res.LastStatus)
	}
}

// report logs the final stage table for the run.
func (o *Orchestrator) report(run *Run, result Result) {
	for _, out := range run.Outcomes {
		attrs := []any{"run", run.ID, "stage", out.Stage, "status", out.Status}
		if out.Err != nil {
			attrs = append(attrs, "error", out.Err)
		}
		o.logger.Info("stage outcome", attrs...)
	}
	o.logger.Info("run finished",
		"run", run.ID,
		"mode", run.Mode,
		"result", result,
		"duration", time.Since(run.StartedAt).Round(time.Second).String(),
	)
}
