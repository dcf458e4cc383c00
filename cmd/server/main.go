package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"constellation/config"
	"constellation/infra/keys"
)

const (
	configKey  = "config"
	genesisKey = "genesis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "constellation",
		Short:         "Permissioned ledger node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String(configKey, "", "Path to the YAML config file")
	root.AddCommand(runCommand(), initCommand(), keygenCommand())
	return root
}

func runCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Runs a constellation node",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(c.Context(), cfg, nil, logger)
		},
	}
	config.AddFlags(c.Flags())
	return c
}

func initCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "init",
		Short: "Runs the alpha node and seals the genesis quantum",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			path, err := c.Flags().GetString(genesisKey)
			if err != nil {
				return err
			}
			g, err := config.LoadGenesis(path)
			if err != nil {
				return err
			}
			return serve(c.Context(), cfg, g, logger)
		},
	}
	config.AddFlags(c.Flags())
	c.Flags().String(genesisKey, "", "Path to the genesis file (required)")
	_ = c.MarkFlagRequired(genesisKey)
	return c
}

func keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Prints a new node secret and its public key",
		RunE: func(c *cobra.Command, _ []string) error {
			kp, err := keys.Generate()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "secret: %s\npublic: %s\n", kp.Secret(), kp.Public())
			return nil
		},
	}
}

func setup(c *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, err := c.Flags().GetString(configKey)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path, c.Flags())
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}
