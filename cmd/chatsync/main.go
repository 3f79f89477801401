package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"chatsync/internal/config"
	"chatsync/internal/constants"
	"chatsync/internal/database"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/privacy"
	"chatsync/internal/session"
	"chatsync/internal/tracing"
	"chatsync/internal/visibility"
	"chatsync/pkg/chatapi"
	"chatsync/pkg/pushchannel"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes message contents and user ids)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatsync %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting chatsync")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	applyLogLevel(logger, cfg.LogLevel, *verbose)
	if *verbose {
		logger.Info("Verbose logging enabled - message contents and user ids will be logged")
	} else {
		logger.AddHook(privacy.NewHook())
	}

	tracingManager := tracing.NewTracingManager(tracing.FromModel(cfg.Tracing), logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	registry := metrics.NewRegistry()
	self := cfg.Self()

	var (
		db    *database.Database
		store session.SnapshotStore
	)
	if cfg.Cache.Path != "" {
		db, err = database.New(cfg.Cache.Path, cfg.Cache.Encrypt)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer db.Close()
		store = db
	}

	api := chatapi.NewClient(cfg.API, &http.Client{
		Timeout: time.Duration(cfg.API.TimeoutMs) * time.Millisecond,
	}, logger, registry)

	push := pushchannel.New(pushchannel.FromConfig(cfg.Push, cfg.User, cfg.API.AuthToken, logger))
	defer push.Close()

	observer := visibility.NewThresholdObserver(constants.VisibilityThreshold)

	sess := session.New(session.Options{
		Self:            self,
		API:             api,
		Emitter:         push,
		Observer:        observer,
		Store:           store,
		GroupingWindow:  time.Duration(cfg.Grouping.WindowSec) * time.Second,
		ReceiptDebounce: time.Duration(cfg.Receipts.DebounceMs) * time.Millisecond,
		Logger:          logger,
		Metrics:         registry,
	})
	observer.OnChange(sess.Tracker().OnVisibilityChanged)

	// The loop outlives ctx so the final snapshot can still be read from it.
	sessCtx, stopSession := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSession()
	sessDone := make(chan error, 1)
	go func() {
		sessDone <- sess.Run(sessCtx, push)
	}()

	if db != nil {
		restoreSnapshot(ctx, db, sess, self.ID, logger)
	}

	if err := push.Connect(ctx); err != nil {
		logger.WithError(err).Warn("Push channel unavailable, live events disabled")
	}

	if err := sess.Refresh(ctx); err != nil {
		logger.WithError(err).Warn("Initial conversation fetch failed, serving cached state")
	}

	watcher := config.NewWatcher(*configPath, logger)
	watcher.OnChange(func(newCfg *models.Config) {
		applyLogLevel(logger, newCfg.LogLevel, *verbose)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	server := NewServer(sess, observer, push, api.Breaker(), registry, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(cfg.Status.ListenAddr); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	case err := <-sessDone:
		return fmt.Errorf("chat session stopped unexpectedly: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to shutdown control API gracefully")
	}

	if db != nil {
		saveSnapshot(shutdownCtx, db, sess, self.ID, logger)
	}

	stopSession()
	<-sessDone

	logger.Info("Shutdown completed")
	return nil
}

// applyLogLevel sets the configured level. Verbose always wins.
func applyLogLevel(logger *logrus.Logger, level string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

func restoreSnapshot(ctx context.Context, db *database.Database, sess *session.ChatSession, ownerID string, logger *logrus.Logger) {
	convs, err := db.LoadConversations(ctx, ownerID)
	if err != nil {
		logger.WithError(err).Warn("Failed to load cached conversations")
		return
	}
	if len(convs) == 0 {
		return
	}
	if err := sess.Restore(ctx, convs); err != nil {
		logger.WithError(err).Warn("Failed to restore cached conversations")
		return
	}
	logger.WithField("conversations", len(convs)).Info("Restored cached conversations")
}

func saveSnapshot(ctx context.Context, db *database.Database, sess *session.ChatSession, ownerID string, logger *logrus.Logger) {
	convs, err := sess.Snapshot(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to read conversations for snapshot")
		return
	}
	if err := db.SaveConversations(ctx, ownerID, convs); err != nil {
		logger.WithError(err).Warn("Failed to save conversation snapshot")
	}
}
