package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shineum/mailkit/internal/config"
	"github.com/shineum/mailkit/pkg/mailer"
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	cfg        *config.Config

	// registry defaults to mailer.DefaultRegistry().
	registry *mailer.Registry
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mailkit",
		Short:         "Send email through any configured backend",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			setupLogger(cmd.ErrOrStderr(), cfg.Logging.Level)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to YAML configuration file (optional)")

	root.AddCommand(
		newSendCmd(a),
		newDetectCmd(a),
		newProvidersCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) reg() *mailer.Registry {
	if a.registry != nil {
		return a.registry
	}
	return mailer.DefaultRegistry()
}

// dispatcher selects the backend from the merged file and environment view.
func (a *app) dispatcher() *mailer.Dispatcher {
	return mailer.NewDispatcher(mailer.DispatcherConfig{
		Env:      a.cfg,
		Registry: a.reg(),
	})
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(w io.Writer, level string) {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
