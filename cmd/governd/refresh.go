package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/governd/governd/internal/audit"
	"github.com/governd/governd/internal/config"
	"github.com/governd/governd/internal/connectors"
	"github.com/governd/governd/internal/host"
	"github.com/governd/governd/internal/logging"
	"github.com/governd/governd/internal/platform"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Resolve the configured engines and groups once and print their summaries.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRefresh()
	},
}

func runRefresh() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: "refresh"})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := platform.NewRESTClient(cfg.PlatformURL, cfg.PlatformToken, cfg.PlatformTimeout)
	if err != nil {
		return err
	}

	governanceHost, err := host.New(host.Params{
		EngineNames:          cfg.EngineNames,
		GroupNames:           cfg.GroupNames,
		UserID:               cfg.PlatformUserID,
		Config:               client,
		Actions:              client,
		Factory:              connectors.NewProviderFactory(),
		Audit:                &audit.SlogAudit{Logger: logger},
		RegistrationPageSize: cfg.RegistrationPageSize,
	})
	if err != nil {
		return err
	}
	defer governanceHost.Shutdown(ctx)

	refreshErr := governanceHost.RefreshConfig(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(governanceHost.Summaries()); err != nil {
		return err
	}
	if refreshErr != nil {
		return &exitError{code: 2, err: refreshErr}
	}
	return nil
}
