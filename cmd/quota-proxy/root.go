package main

import (
	"context"
	"fmt"

	"github.com/Sternrassler/quota-client/pkg/client"
	"github.com/Sternrassler/quota-client/pkg/config"
	"github.com/Sternrassler/quota-client/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app carries state shared by the subcommands.
type app struct {
	cfgFile string
	verbose bool

	config *config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "quota-proxy",
		Short: "Rate-aware proxy for an OAuth-protected REST API",
		Long: `quota-proxy spreads calls over several OAuth client credentials and keeps
every credential inside its hourly and per-second quota.

Credentials are read from QUOTACLIENT_CREDENTIALS ("id:secret,id:secret").
All other settings come from config.yaml or QUOTACLIENT_* variables.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newFetchCmd(a))

	return rootCmd
}

// load reads configuration and sets up the global logger.
func (a *app) load() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Logging.Level = string(logging.LevelDebug)
	}

	a.config = cfg
	a.logger = logging.Setup(cfg.LoggingConfig())
	return nil
}

// connect builds the client and runs the quota discovery.
func (a *app) connect(ctx context.Context) (*client.Client, error) {
	cfg := a.config.ClientConfig(a.logger)
	c, err := client.New(cfg)
	if err != nil {
		if cfg.Redis != nil {
			cfg.Redis.Close()
		}
		return nil, fmt.Errorf("create client: %w", err)
	}
	if err := c.Initialize(ctx); err != nil {
		c.Disconnect()
		return nil, fmt.Errorf("initialize client: %w", err)
	}
	return c, nil
}
