package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/governd/governd/internal/audit"
	"github.com/governd/governd/internal/config"
	"github.com/governd/governd/internal/connectors"
	"github.com/governd/governd/internal/host"
	httpapp "github.com/governd/governd/internal/http"
	"github.com/governd/governd/internal/logging"
	"github.com/governd/governd/internal/metrics"
	"github.com/governd/governd/internal/platform"
	"github.com/governd/governd/internal/runtime"
	"github.com/governd/governd/internal/secrets"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the governance host: config polling, connector scheduling, action execution and the admin API.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: "daemon"})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsServer, metricsErr := metrics.StartServer(ctx, cfg.MetricsAddr)
	if metricsServer != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	client, err := platform.NewRESTClient(cfg.PlatformURL, cfg.PlatformToken, cfg.PlatformTimeout)
	if err != nil {
		return err
	}

	var resolver runtime.ConnectionResolver
	if cfg.VaultAddr != "" {
		vaultResolver, err := secrets.New(secrets.Options{
			Address:   cfg.VaultAddr,
			Token:     cfg.VaultToken,
			Namespace: cfg.VaultNamespace,
		})
		if err != nil {
			return err
		}
		resolver = vaultResolver
	}

	// Connector providers are compiled into the binary; deployments extend
	// this registry by building governd with their own provider packages.
	factory := connectors.NewProviderFactory()

	governanceHost, err := host.New(host.Params{
		EngineNames:              cfg.EngineNames,
		GroupNames:               cfg.GroupNames,
		UserID:                   cfg.PlatformUserID,
		Config:                   client,
		Actions:                  client,
		Factory:                  factory,
		Resolver:                 resolver,
		Audit:                    &audit.SlogAudit{Logger: logger},
		RefreshInterval:          cfg.RefreshInterval,
		EngageRestartDelay:       cfg.EngageRestartDelay,
		MissedActionScanInterval: cfg.MissedActionScanInterval,
		RegistrationPageSize:     cfg.RegistrationPageSize,
		RestartClaimedActions:    cfg.RestartClaimedActions,
	})
	if err != nil {
		return err
	}

	go governanceHost.Start(ctx)

	adminServer := httpapp.NewEchoServer(governanceHost)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin api listening", "addr", cfg.HTTPAddr)
		errCh <- adminServer.Start(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = adminServer.Shutdown(shutdownCtx)
		governanceHost.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-metricsErr:
		return err
	}
}
