package models

// Config holds the application configuration
type Config struct {
	API      APIConfig      `json:"api" envconfig:"API"`
	Push     PushConfig     `json:"push" envconfig:"PUSH"`
	User     UserConfig     `json:"user" envconfig:"USER"`
	Cache    CacheConfig    `json:"cache" envconfig:"CACHE"`
	Receipts ReceiptsConfig `json:"receipts" envconfig:"RECEIPTS"`
	Grouping GroupingConfig `json:"grouping" envconfig:"GROUPING"`
	Status   StatusConfig   `json:"status" envconfig:"STATUS"`
	Tracing  TracingConfig  `json:"tracing" envconfig:"TRACING"`
	LogLevel string         `json:"logLevel" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=trace debug info warn warning error"`
}

// APIConfig holds the REST endpoint settings
type APIConfig struct {
	BaseURL            string `json:"baseUrl" envconfig:"BASE_URL" validate:"required,url"`
	AuthToken          string `json:"authToken" envconfig:"AUTH_TOKEN"`
	TimeoutMs          int    `json:"timeoutMs" envconfig:"TIMEOUT_MS" validate:"min=0"`
	BreakerMaxFailures int    `json:"breakerMaxFailures" envconfig:"BREAKER_MAX_FAILURES" validate:"min=0"`
	BreakerResetSec    int    `json:"breakerResetSec" envconfig:"BREAKER_RESET_SEC" validate:"min=0"`
}

// PushConfig holds the push channel settings
type PushConfig struct {
	URL             string          `json:"url" envconfig:"URL" validate:"required,url"`
	PingIntervalSec int             `json:"pingIntervalSec" envconfig:"PING_INTERVAL_SEC" validate:"min=0"`
	Reconnect       ReconnectConfig `json:"reconnect" envconfig:"RECONNECT"`
}

// ReconnectConfig holds push channel redial backoff settings
type ReconnectConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs" envconfig:"INITIAL_BACKOFF_MS" validate:"min=0"`
	MaxBackoffMs     int `json:"maxBackoffMs" envconfig:"MAX_BACKOFF_MS" validate:"min=0"`
	MaxAttempts      int `json:"maxAttempts" envconfig:"MAX_ATTEMPTS" validate:"min=0"`
}

// UserConfig identifies the viewing user
type UserConfig struct {
	ID          string `json:"id" envconfig:"ID" validate:"required"`
	DisplayName string `json:"displayName" envconfig:"DISPLAY_NAME"`
	AvatarRef   string `json:"avatarRef" envconfig:"AVATAR_REF"`
}

// CacheConfig holds the local snapshot cache settings
type CacheConfig struct {
	Path    string `json:"path" envconfig:"DB_PATH"`
	Encrypt bool   `json:"encrypt" envconfig:"ENCRYPT"`
}

// ReceiptsConfig holds read receipt batching settings
type ReceiptsConfig struct {
	DebounceMs int `json:"debounceMs" envconfig:"DEBOUNCE_MS" validate:"min=0"`
}

// GroupingConfig holds message grouping settings
type GroupingConfig struct {
	WindowSec int `json:"windowSec" envconfig:"WINDOW_SEC" validate:"min=0"`
}

// StatusConfig holds the local status API settings
type StatusConfig struct {
	ListenAddr string `json:"listenAddr" envconfig:"LISTEN_ADDR"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" envconfig:"ENABLED"`
	ServiceName string  `json:"serviceName" envconfig:"SERVICE_NAME"`
	Endpoint    string  `json:"endpoint" envconfig:"ENDPOINT"`
	UseStdout   bool    `json:"useStdout" envconfig:"USE_STDOUT"`
	SampleRate  float64 `json:"sampleRate" envconfig:"SAMPLE_RATE" validate:"min=0,max=1"`
}

// Self returns the viewing user as a Sender.
func (c *Config) Self() Sender {
	return Sender{ID: c.User.ID, DisplayName: c.User.DisplayName, AvatarRef: c.User.AvatarRef}
}
