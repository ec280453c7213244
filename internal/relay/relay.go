// Package relay runs an SMTP listener that accepts messages from local
// applications and delivers them through a mailer.Mailer, so code that
// only speaks SMTP can use any backend, including capture.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/mailkit/pkg/mailer"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// DefaultMaxMessageSize is the SIZE limit advertised when none is set (25 MB).
const DefaultMaxMessageSize = 25 * 1024 * 1024

// Config holds the configuration for a relay Server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	// Mailer receives every accepted message.
	Mailer mailer.Mailer

	// Options are applied to every delivery, e.g. a default sender.
	Options []mailer.Option

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	MaxMessageSize int64

	Logger *slog.Logger
}

// Server accepts SMTP connections and hands each message to the
// configured Mailer.
type Server struct {
	config Config
	auth   *Authenticator
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight sessions for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		logger: logger,
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then stops
// accepting and waits up to 30 seconds for in-flight sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("SMTP relay listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Mailer.Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down SMTP relay")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.waitForSessions()
				return nil
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(conn, s).handle(ctx)
		}()
	}
}

// waitForSessions waits for in-flight sessions, bounded by shutdownTimeout.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.logger.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or "" if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
