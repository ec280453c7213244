package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/shineum/mailkit/internal/config"
	"github.com/shineum/mailkit/internal/relay"
	"github.com/shineum/mailkit/pkg/capture"
	"github.com/shineum/mailkit/pkg/capture/redisstore"
	"github.com/shineum/mailkit/pkg/mailer"
)

type serveFlags struct {
	noTLS         bool
	captureRedis  string
	captureKey    string
	redirect      []string
	subjectPrefix string
	allowDomains  []string
}

func newServeCmd(a *app) *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an SMTP relay that delivers through the configured backend",
		Long: "Accept SMTP submissions from local applications and deliver each message through " +
			"the configured backend. Listen address, credentials and TLS come from the relay and tls " +
			"configuration sections.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), f)
		},
	}

	fl := cmd.Flags()
	fl.BoolVar(&f.noTLS, "no-tls", false, "do not offer STARTTLS")
	fl.StringVar(&f.captureRedis, "capture-redis", "", "redis URL for captured emails when the backend is local")
	fl.StringVar(&f.captureKey, "capture-key", redisstore.DefaultKey, "redis list holding captured emails")
	fl.StringSliceVar(&f.redirect, "redirect", nil, "deliver every message to these addresses instead")
	fl.StringVar(&f.subjectPrefix, "subject-prefix", "", `prefix added to every subject, e.g. "[staging] "`)
	fl.StringSliceVar(&f.allowDomains, "allow-domain", nil, "reject recipients outside these domains")

	return cmd
}

func (a *app) serve(ctx context.Context, f serveFlags) error {
	cfg := a.cfg

	m, release, err := a.relayMailer(ctx, f)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			slog.Warn("failed to close capture storage", "error", err)
		}
	}()

	tel, err := setupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tel.shutdown(ctx)
	if m, err = tel.instrument(m); err != nil {
		return err
	}

	tlsConfig, tlsMode, err := relayTLSConfig(cfg, f.noTLS)
	if err != nil {
		return err
	}

	opts := []mailer.Option{mailer.WithLogger(slog.Default())}
	if from, ok := mailer.DefaultFromEnv(cfg); ok {
		opts = append(opts, mailer.WithDefaultFrom(from))
	}

	srv := relay.New(relay.Config{
		ListenAddr:     cfg.Relay.Listen,
		Hostname:       cfg.Relay.Hostname,
		Mailer:         m,
		Options:        opts,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.Relay.Username,
		AuthPassword:   cfg.Relay.Password,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
	})

	slog.Info("starting mailkit relay",
		"listen", cfg.Relay.Listen,
		"provider", m.Name(),
		"auth_enabled", cfg.RelayAuthEnabled(),
		"tls_mode", tlsMode,
		"telemetry", tel != nil,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, initiating shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("relay error: %w", err)
	}

	slog.Info("mailkit relay stopped")
	return nil
}

// relayTLSConfig returns the STARTTLS configuration and a label for logging.
func relayTLSConfig(cfg *config.Config, disabled bool) (*tls.Config, string, error) {
	if disabled {
		return nil, "disabled", nil
	}
	tc, err := relay.TLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Relay.Hostname)
	if err != nil {
		return nil, "", fmt.Errorf("failed to setup TLS: %w", err)
	}
	if cfg.TLS.CertFile != "" {
		return tc, "file", nil
	}
	return tc, "self-signed", nil
}

// relayMailer resolves the backend and wraps it with the requested
// interceptors. A local backend can keep its captures in Redis so another
// process can inspect them. release closes the Redis client, if any.
func (a *app) relayMailer(ctx context.Context, f serveFlags) (m mailer.Mailer, release func() error, err error) {
	release = func() error { return nil }

	if f.captureRedis != "" {
		if kind := a.cfg.Provider; kind != "" && kind != mailer.KindLocal {
			return nil, nil, fmt.Errorf("--capture-redis requires the %s backend, got %s", mailer.KindLocal, kind)
		}
		opts, err := redis.ParseURL(f.captureRedis)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		m = capture.NewWithStorage(redisstore.New(client, f.captureKey))
		release = client.Close
	} else {
		m, err = a.dispatcher().Mailer(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	var interceptors []mailer.Interceptor
	if len(f.allowDomains) > 0 {
		interceptors = append(interceptors, mailer.AllowDomains(f.allowDomains...))
	}
	if len(f.redirect) > 0 {
		to, err := parseAddresses(f.redirect)
		if err != nil {
			release()
			return nil, nil, err
		}
		interceptors = append(interceptors, mailer.Redirect(to...))
	}
	if f.subjectPrefix != "" {
		interceptors = append(interceptors, mailer.SubjectPrefix(f.subjectPrefix))
	}
	if len(interceptors) == 0 {
		return m, release, nil
	}
	return mailer.WithInterceptors(m, interceptors...).WithLogger(slog.Default()), release, nil
}
