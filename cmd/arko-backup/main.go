package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/toqueteos/webbrowser"

	"github.com/arko-chat/arko-backup/internal/config"
	"github.com/arko-chat/arko-backup/internal/handlers"
	"github.com/arko-chat/arko-backup/internal/logger"
	"github.com/arko-chat/arko-backup/internal/matrix"
	"github.com/arko-chat/arko-backup/internal/models"
	"github.com/arko-chat/arko-backup/internal/router"
	"github.com/arko-chat/arko-backup/internal/service"
	"github.com/arko-chat/arko-backup/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var (
		openBrowser  bool
		pollInterval time.Duration
		logLevel     string
		logFormat    string
	)
	flagSet := pflag.NewFlagSet("arko-backup", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Homeserver, "homeserver", cfg.Homeserver, "homeserver URL")
	flagSet.StringVar(&cfg.UserID, "user", cfg.UserID, "Matrix user ID to manage")
	flagSet.StringVar(&cfg.DeviceID, "device", cfg.DeviceID, "device ID to reuse when logging in")
	flagSet.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address for the local HTTP API")
	flagSet.StringVar(&cfg.SecretBackend, "secret-backend", cfg.SecretBackend, "where cached secrets live: keyring, badger or memory")
	flagSet.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for file backed state")
	flagSet.DurationVar(&pollInterval, "poll-interval", time.Duration(cfg.PollInterval), "how often to check the server's key backup")
	flagSet.BoolVar(&openBrowser, "open", false, "open the status endpoint in a browser")
	flagSet.StringVar(&logLevel, "log-level", "debug", "trace, debug, info, warn or error")
	flagSet.StringVar(&logFormat, "log-format", logger.FormatText, "text or json")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg.PollInterval = config.Duration(pollInterval)

	slogger, err := logger.New(os.Stdout, logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(slogger)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	hub := ws.NewHub(slogger)
	mgr := matrix.NewManager(hub, slogger, matrix.ManagerConfig{
		DataDir:       cfg.DataDir,
		SecretBackend: cfg.SecretBackend,
		PollInterval:  pollInterval,
	})
	mgr.RestoreAllSessions()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if password := os.Getenv("ARKO_PASSWORD"); password != "" && !mgr.HasSession(cfg.UserID) {
		_, err := mgr.Login(ctx, models.LoginCredentials{
			Homeserver: cfg.Homeserver,
			Username:   cfg.UserID,
			Password:   password,
			DeviceID:   cfg.DeviceID,
		})
		if err != nil {
			slogger.Error("login failed", "user", cfg.UserID, "err", err)
		}
	}

	svc := service.NewBackupService(mgr, hub, slogger)
	h := handlers.New(svc, slogger)
	mux := router.New(h, router.Options{
		Token:       cfg.SessionSecret,
		DefaultUser: defaultUser(cfg, mgr),
	})

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	addr := "http://" + listener.Addr().String()
	slogger.Info("server starting", "addr", addr)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogger.Error("server stopped", "err", err)
			stop()
		}
	}()

	if openBrowser {
		statusURL := addr + "/api/backup/status?token=" + cfg.SessionSecret
		if err := webbrowser.Open(statusURL); err != nil {
			slogger.Warn("failed to open browser", "err", err)
		}
	} else {
		fmt.Fprintf(os.Stderr, "API token: %s\n", cfg.SessionSecret)
	}

	<-ctx.Done()
	slogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	mgr.Shutdown()
	return nil
}

// defaultUser prefers the configured account and falls back to the only
// running session.
func defaultUser(cfg *config.Config, mgr *matrix.Manager) func() string {
	return func() string {
		if cfg.UserID != "" && mgr.HasSession(cfg.UserID) {
			return cfg.UserID
		}
		users := mgr.Users()
		if len(users) == 1 {
			return users[0]
		}
		return strings.TrimSpace(cfg.UserID)
	}
}
