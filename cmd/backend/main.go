package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"beacon/internal/db"
	"beacon/internal/server"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatal("load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	dbConn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("connect database", zap.Error(err))
	}
	defer func() { _ = dbConn.Close() }()

	log.Info("running migrations")
	if err := db.RunMigrations(dbConn); err != nil {
		log.Fatal("run migrations", zap.Error(err))
	}

	minioClient, err := server.NewMinIOClient(context.Background(), cfg)
	if err != nil {
		log.Fatal("connect object storage", zap.Error(err))
	}
	store := server.NewFileStore(minioClient, cfg.S3Bucket)

	srv := server.New(cfg, log, dbConn, store)
	defer srv.Close()

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	sweeper := server.NewOrphanSweeper(dbConn, store, log)
	go sweeper.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting", zap.String("addr", cfg.Addr))
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Fatal("shutdown", zap.Error(err))
		}
		log.Info("shutdown complete")
	case err := <-errCh:
		if err != nil {
			log.Fatal("server error", zap.Error(err))
		}
	}
}
