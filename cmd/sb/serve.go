package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/routing"
	"github.com/zulandar/switchboard/internal/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		migrate    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, operator API and task workers",
		Long:  "Starts the HTTP server for platform webhooks and the operator API, the worker pool that processes queued events, and the waiting-conversation digest.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, migrate)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default: server.port from config)")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "migrate tables before serving")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, migrate bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if migrate {
		if err := db.AutoMigrate(gormDB); err != nil {
			return err
		}
	}
	if cfg.Digest.Cron != "" {
		if err := routing.ValidateCron(cfg.Digest.Cron); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := buildApp(ctx, appOpts{Config: cfg, DB: gormDB, Logger: logger, Queued: true})
	if err != nil {
		return err
	}
	defer a.close()

	pool, err := queue.NewPool(queue.PoolOpts{
		Queue:       a.queue,
		Handler:     a.engine,
		Workers:     cfg.Queue.Workers,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var reclaimer *queue.Reclaimer
	if src, ok := a.queue.(queue.Reclaimable); ok {
		reclaimer, err = queue.NewReclaimer(queue.ReclaimerOpts{
			Source:   src,
			Pool:     pool,
			Interval: time.Duration(cfg.Queue.Redis.ReclaimIntervalSec) * time.Second,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
	}

	srv, err := server.New(server.Opts{
		Operations:    a.engine,
		Registry:      a.registry,
		Queue:         a.queue,
		Hub:           a.hub,
		OperatorToken: cfg.Server.OperatorToken,
		Port:          cfg.Server.Port,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	logger.Info("switchboard starting",
		zap.String("version", Version),
		zap.Int("platforms", len(a.registry.Platforms())),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("dialogue", cfg.Dialogue.Backend))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx, cmd.OutOrStdout())
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	if reclaimer != nil {
		g.Go(func() error {
			return reclaimer.Run(gctx)
		})
	}
	g.Go(func() error {
		a.engine.RunDigest(gctx, cfg.Digest.Cron)
		return nil
	})
	return g.Wait()
}
