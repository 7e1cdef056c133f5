package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opsforge/shipctl/internal/config"
	"github.com/opsforge/shipctl/internal/pipeline"
)

// newDestroyCommand creates the "destroy" subcommand that tears down the
// provisioned infrastructure, staged targets first.
func newDestroyCommand(opts *Options) *cobra.Command {
	var (
		account string
		region  string
		cluster string
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Tear down provisioned infrastructure",
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

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if region == "" {
				region = cfg.Region
			}
			if region == "" {
				return fmt.Errorf("destroy requires --region, SHIPCTL_REGION or region in %s", opts.ConfigPath)
			}
			if cluster == "" {
				cluster = cfg.Cluster
			}

			runParams := pipeline.Params{
				AccountID:   account,
				Region:      region,
				ClusterName: cluster,
			}

			// Destroy never applies, the gate is irrelevant on this path.
			orch := buildOrchestrator(logger, cfg, region, AutoApprover{})
			run := pipeline.NewRun(pipeline.ModeDestroy, runParams)

			result, err := orch.Execute(cmd.Context(), run)
			if err != nil {
				return fmt.Errorf("destroy run %s: %w", run.ID, err)
			}
			logger.Info("destroy completed", "run", run.ID, "result", result)
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Target account identifier (12 digits)")
	cmd.Flags().StringVar(&region, "region", "", "Target region")
	cmd.Flags().StringVar(&cluster, "cluster", "", "Target cluster name")

	return cmd
}
