package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brianly1003/rtmux/internal/app"
	"github.com/brianly1003/rtmux/internal/config"
	"github.com/lmittmann/tint"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	host    string
	port    int
	noStore bool
	watch   bool
)

// startCmd represents the start command.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the rtmux server",
	Long: `Start the rtmux server: the HTTP API, the WebSocket gateway at /ws
and, unless disabled, the local record store.

Example:
  rtmux start
  rtmux start --port 9000
  rtmux start --no-store
  rtmux start --watch        # reload log level when the config file changes`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&host, "host", "", "bind address (default from config)")
	startCmd.Flags().IntVar(&port, "port", 0, "server port for HTTP and WebSocket (default: 8780)")
	startCmd.Flags().BoolVar(&noStore, "no-store", false, "disable the local record store")
	startCmd.Flags().BoolVar(&watch, "watch", false, "watch the config file for changes")
}

func runStart(cmd *cobra.Command, args []string) error {
	manager, err := config.NewManager(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := manager.Config()

	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if noStore {
		cfg.Store.Enabled = false
	}
	if watch {
		cfg.Watch.Enabled = true
	}

	// Re-validate after overrides
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging(cfg)

	log.Info().
		Str("version", version).
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("config", manager.ConfigFile()).
		Msg("starting rtmux")

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	application.SetStoreLogger(newStoreLogger(cfg))

	if cfg.Watch.Enabled {
		manager.Watch(application.ApplyConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	log.Info().Msg("rtmux stopped")
	return nil
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Format == "console" || verbose {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// newStoreLogger builds the slog logger used by the record store.
func newStoreLogger(cfg *config.Config) *slog.Logger {
	level := slogLevel(cfg.Logging.Level)
	if verbose {
		level = slog.LevelDebug
	}

	if cfg.Logging.Format == "json" && !verbose {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func slogLevel(level string) slog.Level {
	switch level {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error", "fatal", "panic":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
