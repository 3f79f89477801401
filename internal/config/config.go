package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/models"
)

// EnvPrefix prefixes every environment override, e.g. CHATSYNC_API_BASE_URL.
const EnvPrefix = "CHATSYNC"

var validate = validator.New()

// LoadConfig reads the JSON file at path, layers .env and CHATSYNC_*
// environment overrides on top, fills defaults and validates the result.
func LoadConfig(path string) (*models.Config, error) {
	if path == "" || strings.ContainsRune(path, '\x00') {
		return nil, errors.NewConfigError("path", "invalid config path")
	}

	file, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to parse config file")
	}

	loadDotEnv(filepath.Dir(path))

	if err := envconfig.Process(EnvPrefix, &config); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to apply environment overrides")
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// loadDotEnv loads a .env next to the config file and then one in the working
// directory. Variables already set in the environment win.
func loadDotEnv(configDir string) {
	for _, location := range []string{filepath.Join(configDir, ".env"), ".env"} {
		_ = godotenv.Load(location)
	}
}

func applyDefaults(c *models.Config) {
	if c.API.TimeoutMs <= 0 {
		c.API.TimeoutMs = constants.DefaultAPITimeoutMs
	}
	if c.API.BreakerMaxFailures <= 0 {
		c.API.BreakerMaxFailures = constants.DefaultBreakerMaxFailures
	}
	if c.API.BreakerResetSec <= 0 {
		c.API.BreakerResetSec = constants.DefaultBreakerResetSec
	}
	if c.Push.PingIntervalSec <= 0 {
		c.Push.PingIntervalSec = constants.DefaultPushPingIntervalSec
	}
	if c.Push.Reconnect.InitialBackoffMs <= 0 {
		c.Push.Reconnect.InitialBackoffMs = constants.DefaultReconnectInitialMs
	}
	if c.Push.Reconnect.MaxBackoffMs <= 0 {
		c.Push.Reconnect.MaxBackoffMs = constants.DefaultReconnectMaxMs
	}
	if c.Push.Reconnect.MaxAttempts <= 0 {
		c.Push.Reconnect.MaxAttempts = constants.DefaultReconnectMaxAttempts
	}
	if c.Receipts.DebounceMs <= 0 {
		c.Receipts.DebounceMs = constants.DefaultReceiptDebounceMs
	}
	if c.Grouping.WindowSec <= 0 {
		c.Grouping.WindowSec = constants.DefaultGroupingWindowSec
	}
	if c.Status.ListenAddr == "" {
		c.Status.ListenAddr = constants.DefaultStatusListenAddr
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "chatsync"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.User.DisplayName == "" {
		c.User.DisplayName = c.User.ID
	}
}

func validateConfig(c *models.Config) error {
	if err := validate.Struct(c); err != nil {
		fieldErrs, ok := err.(validator.ValidationErrors)
		if !ok || len(fieldErrs) == 0 {
			return errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid configuration")
		}
		first := fieldErrs[0]
		return errors.NewConfigError(first.Namespace(),
			fmt.Sprintf("%s failed %q validation", first.Namespace(), first.Tag()))
	}

	if c.Cache.Encrypt && c.Cache.Path == "" {
		return errors.NewConfigError("cache.encrypt", "cache encryption requires cache.path")
	}
	if c.Push.Reconnect.MaxBackoffMs < c.Push.Reconnect.InitialBackoffMs {
		return errors.NewConfigError("push.reconnect", "maxBackoffMs must not be below initialBackoffMs")
	}
	return nil
}
