package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/insignia/insignia/internal/alert"
	"github.com/insignia/insignia/internal/api"
	"github.com/insignia/insignia/internal/blob"
	"github.com/insignia/insignia/internal/config"
	"github.com/insignia/insignia/internal/documents"
	"github.com/insignia/insignia/internal/logging"
	"github.com/insignia/insignia/internal/network"
	"github.com/insignia/insignia/internal/notary"
	"github.com/insignia/insignia/internal/pdfsign"
	"github.com/insignia/insignia/internal/render"
	"github.com/insignia/insignia/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the document API and the notarization retry job",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Database.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return err
		}
		defer logger.Sync()
		setGinMode(cfg)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		fmt.Printf("Connecting to PostgreSQL: %s:%d/%s\n",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)

		repo, err := documents.Connect(ctx, cfg.Database.ConnectionString())
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.Migrate(ctx); err != nil {
			return err
		}

		blobs, err := blob.Open(ctx, blob.Options{
			Driver:    cfg.Storage.Driver,
			LocalDir:  cfg.Storage.LocalDir,
			Bucket:    cfg.Storage.S3.Bucket,
			Region:    cfg.Storage.S3.Region,
			Endpoint:  cfg.Storage.S3.Endpoint,
			Prefix:    cfg.Storage.S3.Prefix,
			PathStyle: cfg.Storage.S3.PathStyle,
		})
		if err != nil {
			return fmt.Errorf("failed to open blob storage: %w", err)
		}

		cert, err := pdfsign.LoadCertificate(cfg.Signing.Certificate, cfg.Signing.Password)
		if err != nil {
			return err
		}

		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)
		service := notary.NewService(notary.Config{
			Repository:  repo,
			Blobs:       blobs,
			Ledger:      network.NewClient(parseDuration(cfg.Ledger.PeerTimeout, 10*time.Second)),
			OriginNode:  cfg.Notary.OriginNode,
			Certificate: cert,
			SignOptions: signOptions(cfg, cfg.Signing.Page),
			Canvas:      signatureCanvas(cfg),
			Alerts:      alerts,
			Logger:      logger.Named("notary"),
		})

		handler := api.NewHandler(service, repo, blobs, logger.Named("api"))
		server := &http.Server{
			Addr:    cfg.Notary.ListenAddr,
			Handler: api.NewRouter(handler),
		}

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		logger.Info("document api listening",
			zap.String("listen_addr", cfg.Notary.ListenAddr),
			zap.String("origin_node", cfg.Notary.OriginNode),
			zap.String("storage", cfg.Storage.Driver),
		)

		jobs := scheduler.NewManager(logger.Named("scheduler"))
		jobs.SetAlerter(alerts, scheduler.DefaultAlertAfter)
		if err := jobs.Add(scheduler.RetryJob, cfg.Notary.RetrySchedule, scheduler.Retry(service, logger)); err != nil {
			return err
		}
		if err := jobs.Start(); err != nil {
			return err
		}

		fmt.Println("Insignia document service is running. Press Ctrl+C to stop.")

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

		fmt.Println("Insignia document service stopped")
		return nil
	},
}

func signatureCanvas(cfg *config.Config) render.Canvas {
	if cfg.Signing.Coordinates == "points" {
		return render.Canvas{}
	}
	return render.EditorCanvas
}
