package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsforge/shipctl/internal/builder"
	"github.com/opsforge/shipctl/internal/config"
	"github.com/opsforge/shipctl/internal/health"
	"github.com/opsforge/shipctl/internal/infra"
	"github.com/opsforge/shipctl/internal/params"
	"github.com/opsforge/shipctl/internal/pipeline"
	"github.com/opsforge/shipctl/internal/registry"
	"github.com/opsforge/shipctl/internal/shell"
)

// newDeployCommand creates the "deploy" subcommand that runs the full release
// pipeline: build, smoke test, publish, provision, verify.
func newDeployCommand(opts *Options) *cobra.Command {
	var (
		account     string
		region      string
		cluster     string
		tag         string
		buildNumber int
		commit      string
		source      string
		testPort    int
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Build, publish and deploy a release",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			envCfg := runEnv{}
			if err := parseEnv(&envCfg); err != nil {
				return err
			}
			if !cmd.Flags().Changed("account") && envPresent("SHIPCTL_ACCOUNT_ID") {
				account = envCfg.AccountID
			}
			if !cmd.Flags().Changed("region") && envPresent("SHIPCTL_REGION") {
				region = envCfg.Region
			}
			if !cmd.Flags().Changed("cluster") && envPresent("SHIPCTL_CLUSTER") {
				cluster = envCfg.Cluster
			}
			if !cmd.Flags().Changed("tag") && envPresent("SHIPCTL_IMAGE_TAG") {
				tag = envCfg.ImageTag
			}
			if !cmd.Flags().Changed("build-number") && envPresent("SHIPCTL_BUILD_NUMBER") {
				buildNumber = envCfg.BuildNumber
			}
			if !cmd.Flags().Changed("commit") && envPresent("SHIPCTL_COMMIT") {
				commit = envCfg.Commit
			}
			if !cmd.Flags().Changed("source") && envPresent("SHIPCTL_SOURCE") {
				source = envCfg.Source
			}
			if !cmd.Flags().Changed("test-port") && envPresent("SHIPCTL_TEST_PORT") {
				testPort = envCfg.TestPort
			}
			if !cmd.Flags().Changed("auto-approve") && envPresent("SHIPCTL_AUTO_APPROVE") {
				autoApprove = envCfg.AutoApprove
			}

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if region == "" {
				region = cfg.Region
			}
			if region == "" {
				return fmt.Errorf("deploy requires --region, SHIPCTL_REGION or region in %s", opts.ConfigPath)
			}
			if cluster == "" {
				cluster = cfg.Cluster
			}

			runParams := pipeline.Params{
				AccountID:   account,
				Region:      region,
				ClusterName: cluster,
				ImageTag:    tag,
				BuildNumber: buildNumber,
				Commit:      commit,
				SourcePath:  source,
				TestPort:    testPort,
			}

			var approver pipeline.Approver = &TerminalApprover{In: os.Stdin, Out: os.Stderr}
			if autoApprove {
				approver = AutoApprover{}
			}

			orch := buildOrchestrator(logger, cfg, region, approver)
			run := pipeline.NewRun(pipeline.ModeDeploy, runParams)

			result, err := orch.Execute(cmd.Context(), run)
			if err != nil {
				return fmt.Errorf("deploy run %s: %w", run.ID, err)
			}
			logger.Info("deploy completed", "run", run.ID, "result", result, "artifact", run.Artifact.URI)
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Target account identifier (12 digits)")
	cmd.Flags().StringVar(&region, "region", "", "Target region")
	cmd.Flags().StringVar(&cluster, "cluster", "", "Target cluster name")
	cmd.Flags().StringVar(&tag, "tag", "", "Image tag override (computed from build number and commit when empty)")
	cmd.Flags().IntVar(&buildNumber, "build-number", 0, "CI build number feeding the computed tag")
	cmd.Flags().StringVar(&commit, "commit", "", "Triggering commit hash")
	cmd.Flags().StringVar(&source, "source", ".", "Source tree to build")
	cmd.Flags().IntVar(&testPort, "test-port", 0, "Host port for the smoke test (0 picks one dynamically)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip the interactive approval gate")

	return cmd
}

// buildOrchestrator wires the concrete collaborators behind the orchestrator's
// interfaces using the project configuration.
func buildOrchestrator(logger *slog.Logger, cfg *config.ProjectConfig, region string, approver pipeline.Approver) *pipeline.Orchestrator {
	runner := shell.NewCLIRunner(logger)

	resolver := params.NewResolver(params.NewSSMSource(runner, region), logger)
	reg := registry.NewClient(runner, logger, region)
	bld := builder.New(runner, logger, builder.Options{
		ContainerPort: cfg.Smoke.ContainerPort,
		SettleDelay:   config.ParseDuration(cfg.Smoke.SettleDelay, 3*time.Second),
		ProbePaths:    cfg.Smoke.Paths,
	})
	ctrl := infra.NewController(runner, logger, cfg.TerraformDir)
	checker := health.NewChecker(nil, logger)

	deps := pipeline.Deps{
		Config:   resolver,
		Registry: reg,
		Builder:  bld,
		Infra:    ctrl,
		Health:   checker,
		Approver: approver,
		Rollback: pipeline.NewRollbackManager(ctrl, logger),
	}
	settings := pipeline.Settings{
		Repository:           cfg.Repository,
		AccountParamKey:      cfg.AccountParam,
		ClusterParamKey:      cfg.ClusterParam,
		DefaultAccountID:     cfg.DefaultAccount,
		DefaultCluster:       cfg.Cluster,
		ServiceExposure:      cfg.ServiceExposure,
		EndpointOutput:       cfg.Health.Output,
		HealthPath:           cfg.Health.Path,
		HealthAttempts:       cfg.Health.Attempts,
		HealthInterval:       config.ParseDuration(cfg.Health.Interval, 15*time.Second),
		ApprovalTimeout:      config.ParseDuration(cfg.Approval.Timeout, time.Hour),
		RollbackOnUnhealthy:  cfg.Health.RollbackOnUnhealthy,
		StagedDestroyTargets: cfg.Destroy.Targets,
	}

	return pipeline.NewOrchestrator(deps, settings, logger)
}
