// Command negotiator serves the vehicle negotiation API: conversation
// buckets, proposals, live sessions and OTP confirmation.
//
//	@title			Negotiation API
//	@version		1.0
//	@description	Buyer and seller negotiation over vehicle selections, with real-time sync and OTP-confirmed agreements.
//	@BasePath		/api/v1
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/config"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/sysutil"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

const serviceName = "negotiator"

func newRootCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Vehicle negotiation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is normal outside local development.
			if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file merged into the environment")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit: %s)\n", serviceName, Version, Commit)
		},
	}
}

// loadConfig reads configuration and installs the global logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty, serviceName, os.Stderr)
	return cfg, nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("exit")
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
