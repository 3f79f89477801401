package constants

import "time"

// Grouping and receipt timing
const (
	DefaultGroupingWindowSec = 60
	DefaultReceiptDebounceMs = 1000
	VisibilityThreshold      = 0.5
)

// Pagination
const (
	ConversationPageLimit = 50
	OlderMessagesPageSize = 20
)

// Temp message correlation ids are prefixed so they can never collide with
// server-assigned ids.
const TempIDPrefix = "temp-"

// Default timeout values
const (
	DefaultAPITimeoutMs          = 15000
	DefaultBreakerMaxFailures    = 5
	DefaultBreakerResetSec       = 30
	DefaultPushPingIntervalSec   = 25
	DefaultReconnectInitialMs    = 500
	DefaultReconnectMaxMs        = 30000
	DefaultReconnectMaxAttempts  = 10
	DefaultRefetchAttempts       = 3
	DefaultGracefulShutdownSec   = 10
	DefaultStatusListenAddr      = "127.0.0.1:8787"
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultConfigPollInterval    = 5 * time.Second
)

// Local cache retries
const (
	DefaultCacheRetryAttempts  = 3
	DefaultCacheRetryBackoffMs = 50
	DefaultCacheMaxBackoffMs   = 500
)

// Buffer sizes
const (
	EventChannelSize       = 256
	TaskQueueSize          = 256
	ServerErrorChannelSize = 1
)

// Privacy settings
const (
	DefaultIDMaskLength = 6
)

// Local cache encryption
const (
	CacheEncryptionSalt = "chatsync-cache-v1"
	CacheKeyIterations  = 100000
	CacheKeySize        = 32
	CacheNonceSize      = 12
	CacheSecretEnv      = "CHATSYNC_CACHE_SECRET"
	CacheSecretMinLen   = 32
)
