package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/chriscow/callscreen-go/internal/app"
	"github.com/chriscow/callscreen-go/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:          "callscreen",
	Short:        "Real-time phone call screening pipeline",
	Long:         `callscreen terminates telephony media streams over websocket and screens incoming calls with streaming speech recognition, generated replies, and synthesized speech.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the screening service",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg := app.ConfigFromEnv()
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Addr = addr
		}

		logger.Info("starting callscreen",
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("addr", cfg.Addr))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		return a.Run(ctx)
	},
}

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run the service with restart on source changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg := app.ConfigFromEnv()
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Addr = addr
		}
		return runDev(cfg, logger)
	},
}

func setupLogger() *slog.Logger {
	logFormat := os.Getenv("CALLSCREEN_LOG_FORMAT")
	logLevel := os.Getenv("CALLSCREEN_LOG_LEVEL")

	opts := &slog.HandlerOptions{}
	switch logLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if logFormat == "console" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// runDev restarts the service whenever a Go source file changes.
func runDev(cfg app.Config, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.Walk(".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && info.Name() != ".git" {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set up file watching: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	start := func() (context.CancelFunc, chan error) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				done <- err
				return
			}
			done <- a.Run(ctx)
		}()
		return cancel, done
	}

	cancel, done := start()
	for {
		select {
		case event := <-watcher.Events:
			if event.Op&fsnotify.Write == 0 || filepath.Ext(event.Name) != ".go" {
				continue
			}
			logger.Info("source changed, restarting", slog.String("file", event.Name))
			cancel()
			<-done
			cancel, done = start()

		case err := <-watcher.Errors:
			logger.Warn("file watcher error", slog.String("error", err.Error()))

		case <-sigCh:
			logger.Info("shutting down")
			cancel()
			return <-done

		case err := <-done:
			if err != nil {
				logger.Error("service exited, restarting", slog.String("error", err.Error()))
				time.Sleep(2 * time.Second)
			}
			cancel, done = start()
		}
	}
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides CALLSCREEN_ADDR)")
	devCmd.Flags().String("addr", "", "listen address (overrides CALLSCREEN_ADDR)")
	rootCmd.AddCommand(versionCmd, serveCmd, devCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
