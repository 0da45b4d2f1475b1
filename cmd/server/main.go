package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"staging-engine/internal/config"
	"staging-engine/internal/coordinator"
	apphttp "staging-engine/internal/http"
	"staging-engine/internal/logging"
	"staging-engine/internal/repository/sqlite"
	"staging-engine/internal/service"
	"staging-engine/internal/staging"
	"staging-engine/internal/transfer"
	"staging-engine/internal/transport"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		logrus.Fatalf("setup logging: %v", err)
	}
	defer logCloser.Close()
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth jwt secret not set, API is unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	transferRepo := sqlite.NewTransferRepository(db)
	fileRepo := sqlite.NewTransferFileRepository(db)
	if err := sqlite.Migrate(ctx, transferRepo, fileRepo); err != nil {
		logger.Fatalf("init repositories: %v", err)
	}

	processors := staging.DefaultRegistry()
	transferService := service.NewTransferService(transferRepo, fileRepo, processors)

	fs := afero.NewOsFs()
	resolver := transport.NewRegistry()
	resolver.Register(transport.LocalScheme, transport.NewLocalBackend(fs))
	if cfg.Storage.Enabled {
		backend, err := buildStorage(ctx, cfg, logger)
		if err != nil {
			logger.Fatalf("setup storage: %v", err)
		}
		resolver.Register(transport.S3Scheme, backend)
	}

	cleanup := transfer.NewCleanupManager(fs, logger)
	cleanup.Start(cfg.Transfer.SweepInterval)
	defer cleanup.Stop()

	manager := coordinator.NewManager(coordinator.Config{
		MaxConcurrent: cfg.Transfer.MaxConcurrent,
		Engine: transfer.Config{
			WorkRoot:             cfg.Transfer.WorkRoot,
			FS:                   fs,
			Resolver:             resolver,
			MaxParallelTransfers: cfg.Transfer.MaxParallel,
			PollInterval:         cfg.Transfer.PollInterval,
			AliveInterval:        cfg.Transfer.AliveInterval,
			CheckpointInterval:   cfg.Transfer.CheckpointInterval,
			TaskAttempts:         cfg.Transfer.TaskAttempts,
			TaskRetryDelay:       cfg.Transfer.TaskRetryDelay,
			BufferSize:           cfg.Transfer.BufferSize,
			Cleanup:              cleanup,
			Logger:               logger,
		},
		Processors: processors,
		Logger:     logger,
	}, transferService)

	// engines outlive the signal context so Shutdown can checkpoint them first
	if err := manager.Start(context.Background()); err != nil {
		logger.Fatalf("start coordinator: %v", err)
	}
	if err := manager.Resume(ctx); err != nil {
		logger.Warnf("resume transfers: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(transferService, manager, processors, cfg.Auth.JWTSecret)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()

	logger.Info("bye")
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*transport.S3Backend, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("s3 locations enabled (region %s)", cfg.Storage.Region)
	return transport.NewS3Backend(client), nil
}
