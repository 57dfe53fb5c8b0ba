// Package app wires the diracx-auth command line interface.
package app

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/diracgrid/diracx-auth/pkg/authserver"
	"github.com/diracgrid/diracx-auth/pkg/config"
	"github.com/diracgrid/diracx-auth/pkg/logger"
)

// NewRootCmd builds the root command with its subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "diracx-auth",
		Short: "DIRAC authorization server",
		Long: `diracx-auth issues short-lived signed DIRAC tokens to users who
authenticate through their virtual organisation's identity provider, using
the OAuth device and authorization code grants.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := authserver.New(ctx, cfg)
			if err != nil {
				return err
			}
			return srv.Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "diracx-auth.yaml", "path to the configuration file")
	return cmd
}
