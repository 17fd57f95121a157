package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atmx/perp-engine/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "perp-engine",
		Short:         "Perpetual futures and liquidity pool engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "perp.yaml", "path to the YAML config file")

	var port string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the keeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config load failed", "path", configPath, "err", err)
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			if err := serve(cmd.Context(), cfg); err != nil {
				slog.Error("server error", "err", err)
				return err
			}
			return nil
		},
	}
	serveCmd.Flags().StringVar(&port, "port", "", "listen port, overriding the config and PORT")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and list its markets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			p, err := config.NewProvider(cfg)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			for _, m := range p.Markets() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s index=%s long=%s short=%s\n", m.MarketToken, m.IndexToken, m.LongToken, m.ShortToken)
			}
			return nil
		},
	}

	root.AddCommand(serveCmd, validateCmd)
	return root
}
