// Package main is the entry point for the mail sandbox.
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
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mailsandbox/internal/config"
	"github.com/shineum/mailsandbox/internal/echo"
	"github.com/shineum/mailsandbox/internal/httpapi"
	"github.com/shineum/mailsandbox/internal/ingest"
	"github.com/shineum/mailsandbox/internal/metrics"
	"github.com/shineum/mailsandbox/internal/query"
	"github.com/shineum/mailsandbox/internal/render"
	"github.com/shineum/mailsandbox/internal/smtp"
	"github.com/shineum/mailsandbox/internal/store"
)

// httpShutdownTimeout bounds how long in-flight HTTP requests may run after
// a shutdown signal.
const httpShutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:           "mailsandbox",
		Short:         "Capture outgoing mail over SMTP and a Resend-compatible HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromCommand(cmd)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			setupLogger(cfg.Logging)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	config.RegisterFlags(rootCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("mailsandbox failed", "error", err)
		os.Exit(1)
	}
}

// run wires the store, both ingestion paths and the inbox API, then serves
// until ctx is cancelled. Failing to bind either listener is returned before
// anything is served.
func run(ctx context.Context, cfg *config.Config) error {
	mem := store.New(store.Options{})
	defer mem.Close()

	var emails store.Store = mem
	if cfg.Echo {
		emails = echo.Wrap(mem)
	}

	m := metrics.New(mem)

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTPAddr(),
		Hostname:       cfg.SMTP.Hostname,
		Receiver:       ingest.NewSMTP(emails, m),
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		IdleTimeout:    cfg.SMTP.IdleTimeout,
		Metrics:        m,
	})
	if err := smtpServer.Listen(); err != nil {
		return fmt.Errorf("failed to bind SMTP listener on %s: %w", cfg.SMTPAddr(), err)
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr())
	if err != nil {
		return fmt.Errorf("failed to bind HTTP listener on %s: %w", cfg.HTTPAddr(), err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(
		ingest.NewMailAPI(emails, render.Placeholder{}, m),
		query.New(emails),
		m,
		httpapi.Options{
			MaxBodySize: cfg.HTTP.MaxBodySize,
			UIDir:       cfg.HTTP.UIDir,
			HTTPPort:    boundPort(httpListener.Addr().String(), cfg.HTTP.Port),
			SMTPPort:    boundPort(smtpServer.Addr(), cfg.SMTP.Port),
		},
	)
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting mailsandbox",
		"http", httpListener.Addr().String(),
		"smtp", smtpServer.Addr(),
		"api_prefix", httpapi.APIPrefix,
		"ui_dir", cfg.HTTP.UIDir,
		"echo", cfg.Echo,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return smtpServer.Serve(gctx)
	})

	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", httpListener.Addr().String())
		if err := httpServer.Serve(httpListener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("mailsandbox stopped")
	return nil
}

// boundPort returns the port of addr, or fallback when it cannot be parsed.
// Listening on port 0 makes the two differ.
func boundPort(addr string, fallback int) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fallback
	}
	return n
}

// setupLogger configures the global slog logger with the configured output
// format and level.
func setupLogger(cfg config.LoggingConfig) {
	var logLevel slog.Level

	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
