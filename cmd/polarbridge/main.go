// polarbridge connects an OctoPrint host to the Polar Cloud print service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/orrn/polarbridge/internal/api"
	"github.com/orrn/polarbridge/internal/api/handlers"
	"github.com/orrn/polarbridge/internal/api/middleware"
	"github.com/orrn/polarbridge/internal/archive"
	"github.com/orrn/polarbridge/internal/config"
	"github.com/orrn/polarbridge/internal/core"
	"github.com/orrn/polarbridge/internal/db"
	"github.com/orrn/polarbridge/internal/fetch"
	"github.com/orrn/polarbridge/internal/filestore"
	"github.com/orrn/polarbridge/internal/keys"
	"github.com/orrn/polarbridge/internal/logging"
	"github.com/orrn/polarbridge/internal/octoprint"
	"github.com/orrn/polarbridge/internal/toolchain"
	"github.com/orrn/polarbridge/internal/transport"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet("polarbridge", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "polarbridge.yaml", "path to the YAML configuration file")
	flagSet.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("polarbridge", version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(os.Stderr, cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(db.Config{Path: cfg.Storage.DatabasePath})
	if err != nil {
		return err
	}
	defer store.Close()

	files, err := filestore.New(cfg.Storage.FilesDir)
	if err != nil {
		return err
	}

	fetcher := fetch.New(fetch.Config{Timeout: cfg.Printer.RequestTimeout}, logger.With("component", "fetch"))

	host, err := octoprint.New(octoprint.Config{
		BaseURL: cfg.Printer.BaseURL,
		APIKey:  cfg.Printer.APIKey,
		Timeout: cfg.Printer.RequestTimeout,
	}, logger.With("component", "octoprint"))
	if err != nil {
		return err
	}

	outcomes := handlers.NewOutcomeLog(logger.With("component", "api"))

	session, err := core.NewSession(core.Options{
		Cloud:   cfg.Cloud,
		Printer: cfg.Printer,
		Webcam:  cfg.Webcam,
		Slicing: cfg.Slicing,
	}, core.Deps{
		Printer: host,
		Host:    host,
		Updater: host,
		Keys:    keys.NewManager(cfg.Storage.KeyPath, logger.With("component", "keys")),
		Fetch:   fetcher,
		Files:   files,
		Slicer: toolchain.NewSlicer(toolchain.SlicerConfig{
			Command:           cfg.Slicing.Command,
			PrintrbeltCommand: cfg.Slicing.PrintrbeltCommand,
			Timeout:           cfg.Slicing.Timeout,
			ProfileDir:        filepath.Join(cfg.Storage.DataDir, "profiles"),
		}, logger.With("component", "slicer")),
		Timelapse: toolchain.NewTimelapseTranscoder(cfg.Slicing.TimelapseCommand, cfg.Slicing.Timeout, logger.With("component", "timelapse")),
		Settings:  store.Settings,
		Jobs:      store.Jobs,
		Notifier:  outcomes,
		NewSocket: func() core.Socket {
			return transport.New(transport.Config{
				URL:              cfg.Cloud.Service,
				HandshakeTimeout: cfg.Cloud.ConnectTimeout,
			}, logger.With("component", "socket"))
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	watcher := octoprint.NewWatcher(host, files, session.HandleEvent, octoprint.WatcherConfig{
		Interval:  cfg.Printer.PollInterval,
		Timelapse: cfg.Slicing.UploadTimelapse,
	}, logger.With("component", "watcher"))
	watcher.Start(ctx)
	defer watcher.Stop()

	retention := archive.NewRetention(store.Jobs, archive.Config{Days: cfg.Storage.HistoryDays}, logger.With("component", "retention"))
	retention.Start(ctx)
	defer retention.Stop()

	auth, err := middleware.NewAuth(store.Settings, false)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(api.Deps{
			Config:   cfg,
			Auth:     auth,
			Session:  session,
			Outcomes: outcomes,
			Jobs:     store.Jobs,
			Logger:   logger.With("component", "api"),
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("local api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- session.Run(ctx)
	}()

	sessionRunning := true
	select {
	case err = <-serverErr:
	case err = <-sessionDone:
		sessionRunning = false
	case <-ctx.Done():
	}
	stop()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("local api shutdown", "error", shutdownErr)
	}
	if sessionRunning {
		if runErr := <-sessionDone; runErr != nil && err == nil {
			err = runErr
		}
	}
	return err
}
