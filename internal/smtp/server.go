// Package smtp implements an accept-everything SMTP listener that hands each
// received message to a Receiver.
package smtp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/mailsandbox/internal/metrics"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// acceptBackoff is the pause after a failed Accept.
const acceptBackoff = 50 * time.Millisecond

// Envelope is the SMTP transaction that carried a message.
type Envelope struct {
	// From is the MAIL FROM address. It is empty for the null sender.
	From string
	// To holds the RCPT TO addresses in order.
	To []string
}

// Receiver consumes the DATA payload of one transaction and returns an
// identifier for the accepted message. Errors wrapping parser.ErrMalformed
// are reported to the client as a permanent failure, anything else as a
// temporary one.
type Receiver interface {
	Receive(ctx context.Context, env Envelope, data []byte) (string, error)
}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":1025").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// Receiver gets every completed message.
	Receiver Receiver

	// MaxMessageSize caps the DATA payload in bytes. Zero means no limit.
	MaxMessageSize int64

	// IdleTimeout closes a connection that sends nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Server is an SMTP server that accepts every connection, sender and
// recipient.
type Server struct {
	config   ServerConfig
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &Server{config: cfg}
}

// Listen binds the listening socket. Failing to bind is fatal for the
// caller; nothing else about the server is.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// ListenAndServe binds and then serves until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until the context is cancelled. On cancellation
// it stops accepting, closes open connections and waits up to 30 seconds
// for their sessions to return.
// @MX:WARN: [AUTO] Goroutine spawned per connection without explicit limit
// @MX:REASON: Each accepted TCP connection starts a goroutine for session handling
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	ln := s.listener

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"hostname", s.config.Hostname,
		"max_message_size", s.config.MaxMessageSize,
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Error("accept error", "error", err)
			time.Sleep(acceptBackoff)
			continue
		}

		s.config.Metrics.SMTPConnection()
		slog.Debug("SMTP connection accepted", "remote", conn.RemoteAddr().String())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s.config).Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all SMTP sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
