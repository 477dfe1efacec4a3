package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/insignia/insignia/internal/alert"
	"github.com/insignia/insignia/internal/config"
	"github.com/insignia/insignia/internal/ledger"
	"github.com/insignia/insignia/internal/logging"
	"github.com/insignia/insignia/internal/network"
	"github.com/insignia/insignia/internal/scheduler"
	"github.com/insignia/insignia/internal/storage"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a ledger node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return err
		}
		defer logger.Sync()
		setGinMode(cfg)

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := storage.New(chainPath(cfg))
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		if err := store.SetMetadata("node_id", cfg.Node.ID); err != nil {
			return fmt.Errorf("failed to record node id: %w", err)
		}

		chain, err := ledger.New(store,
			ledger.WithLogger(logger.Named("ledger")),
			ledger.WithTreeCacheSize(cfg.Ledger.TreeCacheSize),
		)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}

		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)
		node := network.NewNode(network.NodeConfig{
			Chain:    chain,
			Registry: network.NewRegistry(cfg.Node.Address, cfg.Node.Peers...),
			Client:   network.NewClient(parseDuration(cfg.Ledger.PeerTimeout, 10*time.Second)),
			Alerts:   alerts,
			Logger:   logger.Named("network"),
		})

		server := &http.Server{
			Addr:    cfg.Node.BindAddr,
			Handler: network.NewRouter(node),
		}

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		logger.Info("ledger node listening",
			zap.String("node", cfg.Node.ID),
			zap.String("address", cfg.Node.Address),
			zap.String("bind_addr", cfg.Node.BindAddr),
			zap.Int("peers", node.Registry().Len()),
		)

		if cfg.Node.Seed != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := node.Join(ctx, cfg.Node.Seed); err != nil {
				logger.Warn("failed to join network", zap.String("seed", cfg.Node.Seed), zap.Error(err))
			}
			cancel()
		}

		jobs := scheduler.NewManager(logger.Named("scheduler"))
		jobs.SetAlerter(alerts, scheduler.DefaultAlertAfter)
		if err := jobs.Add(scheduler.MiningJob, cfg.Ledger.MiningSchedule, scheduler.Mining(node, logger)); err != nil {
			return err
		}
		if cfg.Ledger.ConsensusSchedule != "" {
			if err := jobs.Add(scheduler.ConsensusJob, cfg.Ledger.ConsensusSchedule, scheduler.Consensus(node, logger)); err != nil {
				return err
			}
		}
		if err := jobs.Start(); err != nil {
			return err
		}

		fmt.Println("Insignia node is running. Press Ctrl+C to stop.")

		if err := waitForShutdown(errCh); err != nil {
			jobs.Stop()
			return fmt.Errorf("server failed: %w", err)
		}

		fmt.Println("\nShutting down...")
		jobs.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}

		fmt.Println("Insignia node stopped")
		return nil
	},
}

// waitForShutdown blocks until SIGINT/SIGTERM or a server error.
func waitForShutdown(errCh <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		return nil
	case err := <-errCh:
		return err
	}
}

func setGinMode(cfg *config.Config) {
	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
		return
	}
	gin.SetMode(gin.ReleaseMode)
}
