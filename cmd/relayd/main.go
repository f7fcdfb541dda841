// relayd is a local message-relay daemon that lets concurrently-running
// agent processes exchange typed messages through a single broker over a
// Unix-domain socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/relayd/internal/config"
	"github.com/ashureev/relayd/internal/daemon"
	"github.com/ashureev/relayd/internal/statusapi"
	"github.com/ashureev/relayd/internal/storage"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cmd := "start"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "start":
		runStart()
	case "stop":
		runStop()
	default:
		fmt.Fprintf(os.Stderr, "usage: relayd [start|stop]\n")
		os.Exit(1)
	}
}

func runStart() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("relayd: invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("relayd: failed to open storage", "error", err)
		os.Exit(2)
	}

	d := daemon.New(cfg, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var statusSrv *http.Server
	if cfg.StatusAddr != "" {
		handler := statusapi.NewHandler(d.Registry(), d.Router())
		statusSrv = &http.Server{Addr: cfg.StatusAddr, Handler: handler.Routes()}
		go func() {
			slog.Info("relayd: status API listening", "addr", cfg.StatusAddr)
			if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("relayd: status API failed", "error", err)
			}
		}()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	select {
	case err := <-runErr:
		if err != nil {
			slog.Error("relayd: daemon exited with error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		if err := <-runErr; err != nil {
			slog.Error("relayd: daemon exited with error", "error", err)
			os.Exit(1)
		}
	}

	if statusSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
		defer cancel()
		_ = statusSrv.Shutdown(shutdownCtx)
	}
}

func runStop() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("relayd: invalid configuration", "error", err)
		os.Exit(1)
	}

	pid, err := daemon.ReadPID(cfg.PIDFile)
	if err != nil {
		slog.Error("relayd: failed to read pid file", "error", err)
		os.Exit(1)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		slog.Error("relayd: failed to find process", "pid", pid, "error", err)
		os.Exit(1)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		slog.Error("relayd: failed to signal process", "pid", pid, "error", err)
		os.Exit(1)
	}
	slog.Info("relayd: sent SIGTERM", "pid", pid)
}
