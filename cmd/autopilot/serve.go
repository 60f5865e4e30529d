package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/buildlane/autopilot/internal/config"
	"github.com/buildlane/autopilot/internal/engine"
	"github.com/buildlane/autopilot/internal/janitor"
	"github.com/buildlane/autopilot/internal/logging"
	"github.com/buildlane/autopilot/internal/runner"
	"github.com/buildlane/autopilot/internal/store"
	"github.com/buildlane/autopilot/web/api"
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the autopilot engine and HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// A missing .env is fine; real env vars still apply
	godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := setupOTel(ctx)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer shutdownOTel(context.Background())

	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	runtime := config.NewRuntime(cfg)

	if err := os.MkdirAll(cfg.General.WorkDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return err
	}
	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var server *api.Server
	eng := engine.New(engine.Options{
		Store:  st,
		Runner: runner.NewLocal(),
		Tasks:  &fileTasks{workDir: cfg.General.WorkDir},
		AI:     &envAI{cfg: runtime},
		Repo:   &dirRepo{workDir: cfg.General.WorkDir},
		Planner: &engine.CommandPlanner{
			Command: cfg.Executor.Command,
			Dir:     cfg.General.WorkDir + "/{project}",
			Env:     cfg.Executor.Env,
		},
		Limits:         runtime,
		AttemptTimeout: runtime.AttemptTimeout,
		Events: func(ev engine.Event) {
			if server != nil {
				server.Broadcast(ev)
			}
		},
	})
	defer eng.Close()

	port := cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	addr := net.JoinHostPort(cfg.Web.Host, strconv.Itoa(port))
	server = api.NewServer(eng, addr)

	jan, err := janitor.New(st, cfg.Cleanup.Schedule, time.Duration(cfg.Cleanup.RetentionDays)*24*time.Hour)
	if err != nil {
		return fmt.Errorf("setting up cleanup: %w", err)
	}

	log := logging.Logger()
	log.Info("autopilot serving", "addr", addr, "db", cfg.General.DatabasePath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()
		select {
		case err := <-errCh:
			return err
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		}
	})
	g.Go(func() error {
		jan.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return runtime.Watch(gctx, path, log)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("autopilot stopped")
	return nil
}
