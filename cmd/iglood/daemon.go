package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fentz26/iglood/internal/audit"
	"github.com/fentz26/iglood/internal/bridge"
	"github.com/fentz26/iglood/internal/broker"
	"github.com/fentz26/iglood/internal/config"
	"github.com/fentz26/iglood/internal/consent"
	"github.com/fentz26/iglood/internal/controlplane"
	"github.com/fentz26/iglood/internal/dedup"
	"github.com/fentz26/iglood/internal/policy"
	"github.com/fentz26/iglood/internal/signer"
	"github.com/fentz26/iglood/internal/store"
)

var (
	listenAddr  string
	dbPath      string
	signerURL   string
	consentMode string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the iglood broker daemon",
	Long:  `Starts the broker daemon: the HTTP control plane, the request pipeline, and the signing batch client.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to the SQLite database")
	daemonCmd.Flags().StringVar(&signerURL, "signer", "", "Signing coordinator endpoint")
	daemonCmd.Flags().StringVar(&consentMode, "consent", "", "Consent mode: center, allow, or deny")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if signerURL != "" {
		cfg.SignerURL = signerURL
	}
	if consentMode != "" {
		cfg.Consent = consentMode
	}

	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	engine := policy.New(s, logger)
	aw := audit.NewWriter(s, logger)

	service := signer.NewHTTPService(cfg.SignerURL)
	client := signer.NewBatchClient(cfg.Signer, service, logger)
	defer client.Stop()

	var center *consent.Center
	var approver consent.Approver
	switch cfg.Consent {
	case "allow":
		approver = consent.StaticApprover{Approved: true}
	case "deny":
		approver = consent.StaticApprover{Approved: false}
	default:
		center = consent.NewCenter(logger)
		approver = center
	}

	br, _ := broker.NewPipeline(
		cfg.Broker, cfg.Queue,
		dedup.New(cfg.Queue.MaxAge), engine, client,
		bridge.New(logger), approver, aw, logger,
	)
	br.Start()
	defer br.Stop()

	server := controlplane.NewServer(br, engine, center, aw, s, cfg.Listen, logger)
	aw.Event("daemon.start", "", "ok", cfg.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	aw.Event("daemon.stop", "", "ok", "")
	return nil
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    20, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}
