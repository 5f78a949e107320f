package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aeolun/roomchat/pkg/logger"
	"github.com/aeolun/roomchat/pkg/server"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

type options struct {
	configPath      string
	bind            string
	port            int
	httpPort        int
	ledger          string
	noLedger        bool
	maxSessions     int
	logLevel        string
	shutdownTimeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "roomchat-server",
		Short:        "Run a roomchat server",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "~/.roomchat/server.toml", "path to config file (created with defaults if missing)")
	f.StringVar(&opts.bind, "bind", "", "bind address (overrides config)")
	f.IntVar(&opts.port, "port", 0, "TCP port to listen on (overrides config)")
	f.IntVar(&opts.httpPort, "http-port", 0, "HTTP port for /ws, /metrics, /status and /health (overrides config)")
	f.StringVar(&opts.ledger, "ledger", "", "path to the SQLite session ledger (overrides config)")
	f.BoolVar(&opts.noLedger, "no-ledger", false, "disable the session ledger")
	f.IntVar(&opts.maxSessions, "max-sessions", 0, "maximum concurrent sessions (overrides config)")
	f.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	f.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to wait for a graceful shutdown")

	return cmd
}

// applyOverrides copies explicitly set flags over the file configuration
func applyOverrides(cfg *server.TOMLConfig, opts *options) {
	if opts.bind != "" {
		cfg.Server.BindAddress = opts.bind
	}
	if opts.port != 0 {
		cfg.Server.TCPPort = opts.port
	}
	if opts.httpPort != 0 {
		cfg.Server.HTTPPort = opts.httpPort
	}
	if opts.ledger != "" {
		cfg.Server.LedgerPath = opts.ledger
	}
	if opts.noLedger {
		cfg.Server.LedgerPath = ""
	}
	if opts.maxSessions != 0 {
		cfg.Limits.MaxSessions = opts.maxSessions
	}
	if opts.logLevel != "" {
		cfg.Server.LogLevel = opts.logLevel
	}
}

func run(cmd *cobra.Command, opts *options) error {
	fileConfig, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyOverrides(&fileConfig, opts)

	log := logger.New(fileConfig.Server.LogLevel, cmd.ErrOrStderr())

	cfg, err := fileConfig.ToServerConfig()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.LedgerPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0755); err != nil {
			return fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	log.Info().
		Str("version", Version).
		Str("config", opts.configPath).
		Str("ledger", cfg.LedgerPath).
		Msg("starting roomchat server")

	srv, err := server.NewServer(cfg, server.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		_ = srv.Stop(context.Background())
		return err
	}

	log.Info().Str("addr", srv.Addr().String()).Msg("binary protocol (TCP)")
	if addr := srv.HTTPAddr(); addr != nil {
		log.Info().Str("url", "ws://"+addr.String()+"/ws").Msg("WebSocket ingress")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down server")
	case runErr = <-srv.Err():
		log.Error().Err(runErr).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
		runErr = errors.Join(runErr, err)
	}
	log.Info().Msg("server stopped")
	return runErr
}
