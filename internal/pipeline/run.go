// Package pipeline contains the high-level orchestration logic for deployment runs.
package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode selects which path a run follows. It is decided once at run creation
// and never changes afterwards.
type Mode string

const (
	// ModeDeploy builds, publishes and rolls out a new artifact.
	ModeDeploy Mode = "deploy"
	// ModeDestroy tears down previously provisioned infrastructure.
	ModeDestroy Mode = "destroy"
)

// State names a stage of the run state machine.
type State string

const (
	StateInit             State = "Init"
	StateValidateParams   State = "ValidateParams"
	StateResolveConfig    State = "ResolveConfig"
	StateEnsureRepository State = "EnsureRepository"
	StateBuild            State = "Build"
	StateSmokeTest        State = "SmokeTest"
	StateAuthenticate     State = "Authenticate"
	StatePush             State = "Push"
	StateUpdateInfra      State = "UpdateInfraConfig"
	StatePlan             State = "Plan"
	StateApprove          State = "Approve"
	StateApply            State = "Apply"
	StateVerifyHealth     State = "VerifyHealth"
	StateStagedDestroy    State = "StagedDestroy"
	StateFullDestroy      State = "FullDestroy"
	StateDone             State = "Done"
	StateFailed           State = "Failed"
)

// Result is the terminal disposition of a run.
type Result string

const (
	ResultSuccess   Result = "Success"
	ResultFailed    Result = "Failed"
	ResultDestroyed Result = "Destroyed"
)

// StageStatus describes how a single stage finished.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageOutcome records the result of one executed stage.
type StageOutcome struct {
	// Stage is the state machine stage this outcome belongs to.
	Stage State
	// Status is the stage disposition.
	Status StageStatus
	// Err holds the failure detail when Status is StageFailed.
	Err error
}

// Params are the caller-supplied inputs for a run. They are immutable once
// the run is created.
type Params struct {
	// AccountID is the target account identifier; must be exactly 12 digits.
	AccountID string
	// Region is the target region.
	Region string
	// ClusterName is the target cluster name.
	ClusterName string
	// ImageTag overrides the computed artifact tag when non-empty.
	ImageTag string
	// BuildNumber is the CI build number feeding the computed tag.
	BuildNumber int
	// Commit is the triggering commit hash.
	Commit string
	// SourcePath is the source tree passed to the artifact builder.
	SourcePath string
	// TestPort is the host port for the smoke test; 0 picks one dynamically.
	TestPort int
}

// Artifact is a built, tagged deployable unit. Fields are never mutated after
// creation.
type Artifact struct {
	// Repository is the registry repository name.
	Repository string
	// Tag is the artifact tag, unique per run unless overridden by the caller.
	Tag string
	// URI is the fully qualified registry reference.
	URI string
}

// Verdict is the final outcome of a health verification.
type Verdict string

const (
	// VerdictHealthy means a probe observed HTTP 200.
	VerdictHealthy Verdict = "healthy"
	// VerdictUnhealthy means every attempt was exhausted without a 200.
	VerdictUnhealthy Verdict = "unhealthy"
	// VerdictInconclusive means the endpoint was not resolvable yet.
	VerdictInconclusive Verdict = "inconclusive"
)

// HealthCheckResult summarizes a bounded health polling loop.
type HealthCheckResult struct {
	// Attempts is the number of probes actually issued.
	Attempts int
	// LastStatus is the HTTP status of the last probe, 0 if none completed.
	LastStatus int
	// LastErr is the last network error observed, if any.
	LastErr error
	// Verdict is the final disposition.
	Verdict Verdict
}

// Run is the per-invocation pipeline context threaded through every stage.
// Inputs are immutable; state and outcomes are owned by the Orchestrator.
type Run struct {
	// ID uniquely identifies this run.
	ID string
	// Mode is the selected path, fixed at creation.
	Mode Mode
	// Params are the caller-supplied inputs.
	Params Params
	// StartedAt is the run creation time.
	StartedAt time.Time

	// Config is the resolved configuration snapshot. It is written once by
	// the ResolveConfig stage and read-only afterwards.
	Config map[string]string
	// Artifact is set by the Build stage in deploy mode.
	Artifact Artifact
	// InfraVars is the parameter set handed to the infrastructure controller.
	InfraVars map[string]string
	// Endpoint is the deployed service URL used for health verification.
	Endpoint string

	// State is the current stage of the run.
	State State
	// Outcomes accumulates per-stage results in execution order.
	Outcomes []StageOutcome
}

// NewRun creates a run in the Init state for the given mode and parameters.
func NewRun(mode Mode, params Params) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Mode:      mode,
		Params:    params,
		StartedAt: time.Now().UTC(),
		State:     StateInit,
	}
}

// accountIDPattern is the required account identifier format.
var accountIDPattern = regexp.MustCompile(`^\d{12}$`)

// ValidationError indicates rejected run input. No side effects were attempted
// and no rollback is needed.
type ValidationError struct {
	// Field names the offending parameter.
	Field string
	// Reason describes the violation.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the run parameters before any external call is made.
func (p Params) Validate() error {
	if !accountIDPattern.MatchString(strings.TrimSpace(p.AccountID)) {
		return &ValidationError{Field: "account id", Reason: "must be exactly 12 digits"}
	}
	if p.TestPort < 0 {
		return &ValidationError{Field: "test port", Reason: "must be >= 0"}
	}
	return nil
}

// ComputeTag returns the artifact tag for the run: the explicit override when
// set, otherwise v<build-number>-<short-commit>.
func (p Params) ComputeTag() string {
	if tag := strings.TrimSpace(p.ImageTag); tag != "" {
		return tag
	}
	return fmt.Sprintf("v%d-%s", p.BuildNumber, shortCommit(p.Commit))
}

// shortCommit truncates a commit hash to its first 7 characters.
func shortCommit(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 7 {
		return s[:7]
	}
	return s
}

// record appends a stage outcome to the run.
func (r *Run) record(stage State, status StageStatus, err error) {
	r.Outcomes = append(r.Outcomes, StageOutcome{Stage: stage, Status: status, Err: err})
}
