package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatsync/internal/constants"
	"chatsync/internal/models"
)

// Watcher polls the configuration file and reloads it when it changes.
type Watcher struct {
	configPath   string
	logger       *logrus.Logger
	pollInterval time.Duration
	mu           sync.RWMutex
	config       *models.Config
	callbacks    []func(*models.Config)
}

// NewWatcher creates a watcher polling at the default interval.
func NewWatcher(configPath string, logger *logrus.Logger) *Watcher {
	return &Watcher{
		configPath:   configPath,
		logger:       logger,
		pollInterval: constants.DefaultConfigPollInterval,
		callbacks:    make([]func(*models.Config), 0),
	}
}

// WithPollInterval overrides how often the file is checked.
func (w *Watcher) WithPollInterval(d time.Duration) *Watcher {
	if d > 0 {
		w.pollInterval = d
	}
	return w
}

// Start loads the configuration and then polls until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	config, err := LoadConfig(w.configPath)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.config = config
	w.mu.Unlock()

	stat, err := os.Stat(w.configPath)
	if err != nil {
		return err
	}
	lastModTime := stat.ModTime()

	w.logger.WithField("path", w.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Configuration watcher stopping")
			return nil

		case <-ticker.C:
			stat, err := os.Stat(w.configPath)
			if err != nil {
				w.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}

			if stat.ModTime().After(lastModTime) {
				w.logger.Debug("Configuration file changed")
				lastModTime = stat.ModTime()
				w.reload()
			}
		}
	}
}

// Config returns the current configuration.
func (w *Watcher) Config() *models.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnChange registers a callback run after every successful reload.
func (w *Watcher) OnChange(callback func(*models.Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

func (w *Watcher) reload() {
	newConfig, err := LoadConfig(w.configPath)
	if err != nil {
		w.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	w.mu.Lock()
	oldConfig := w.config
	w.config = newConfig
	callbacks := make([]func(*models.Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded successfully")

	for _, callback := range callbacks {
		go func(cb func(*models.Config)) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(newConfig)
		}(callback)
	}

	w.logChanges(oldConfig, newConfig)
}

// logChanges logs settings that take effect without a restart.
func (w *Watcher) logChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if old.LogLevel != new.LogLevel {
		w.logger.WithFields(logrus.Fields{
			"old": old.LogLevel,
			"new": new.LogLevel,
		}).Info("Log level changed")
	}

	if old.Receipts.DebounceMs != new.Receipts.DebounceMs {
		w.logger.WithFields(logrus.Fields{
			"old": old.Receipts.DebounceMs,
			"new": new.Receipts.DebounceMs,
		}).Info("Receipt debounce changed, restart to apply")
	}

	if old.API.BaseURL != new.API.BaseURL || old.Push.URL != new.Push.URL {
		w.logger.Info("Endpoint settings changed, restart to apply")
	}
}
