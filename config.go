package attestgate

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kacy/attestation-gate/ratelimit"
)

// Environment variable names recognized by LoadFromEnv.
const (
	EnvEnabled            = "ATTESTATION_ENABLED"
	EnvStubMode           = "ATTESTATION_STUB_MODE"
	EnvStubAllowEmulator  = "ATTESTATION_STUB_ALLOW_EMULATOR"
	EnvRolloutPercentage  = "ATTESTATION_ROLLOUT_PERCENTAGE"
	EnvCacheSize          = "ATTESTATION_CACHE_SIZE"
	EnvCacheTTLSeconds    = "ATTESTATION_CACHE_TTL_SECONDS"
	EnvRateLimitMax       = "ATTESTATION_RATE_LIMIT_MAX_REQUESTS"
	EnvRateLimitWindowSec = "ATTESTATION_RATE_LIMIT_WINDOW_SECONDS"
	EnvAPITimeoutSeconds  = "ATTESTATION_API_TIMEOUT_SECONDS"

	EnvAppleTeamID         = "ATTESTATION_APPLE_TEAM_ID"
	EnvAppleKeyID          = "ATTESTATION_APPLE_KEY_ID"
	EnvApplePrivateKeyPath = "ATTESTATION_APPLE_PRIVATE_KEY_PATH"
	EnvAppleBundleID       = "ATTESTATION_APPLE_BUNDLE_ID"

	EnvGCPProjectID       = "ATTESTATION_GCP_PROJECT_ID"
	EnvGCPCredentialsFile = "ATTESTATION_GCP_CREDENTIALS_FILE"
	EnvAndroidPackageName = "ATTESTATION_ANDROID_PACKAGE_NAME"
	EnvSafetyNetAPIKey    = "ATTESTATION_SAFETYNET_API_KEY"
)

// Config holds process-wide gate configuration. It is constructed once at
// startup, shared read-only by the gate and all validators, and never
// mutated afterwards.
type Config struct {
	// Enabled is the global kill switch. When false every Validate call
	// returns an Error result without touching any validator.
	Enabled bool

	// StubMode makes all validators deterministic and network-free: the
	// literal token "emulator" is rejected (unless StubAllowEmulator) and
	// every other token is accepted.
	StubMode bool

	// StubAllowEmulator accepts the literal "emulator" token in stub mode.
	StubAllowEmulator bool

	// RolloutPercentage (0-100) is the fraction of requests for which
	// enforcement is active. 100 admits everything, 0 rejects everything.
	RolloutPercentage int

	// CacheSize bounds the fingerprint cache (default: 10000 entries).
	CacheSize int

	// CacheTTL is the per-entry cache lifetime (default: 1 hour).
	CacheTTL time.Duration

	// RateLimitMax is the per-device request budget within the window
	// (default: 100).
	RateLimitMax int

	// RateLimitWindow is the sliding-window width (default: 1 hour).
	RateLimitWindow time.Duration

	// APITimeout bounds each outbound vendor API call (default: 30s).
	APITimeout time.Duration

	// Apple credentials (DeviceCheck and App Attest).
	AppleTeamID         string
	AppleKeyID          string
	ApplePrivateKeyPath string
	AppleBundleID       string

	// Google credentials (Play Integrity and SafetyNet).
	GCPProjectID       string
	GCPCredentialsFile string
	AndroidPackageName string
	SafetyNetAPIKey    string

	// Logger receives structured validation logs. Defaults to a no-op
	// logger when nil.
	Logger *zap.Logger

	// Cache overrides the result cache. Nil builds an in-memory cache
	// from CacheSize and CacheTTL.
	Cache ResultCache

	// Limiter overrides the rate limiter. Nil builds a sliding-window
	// limiter from RateLimitMax and RateLimitWindow.
	Limiter ratelimit.Limiter

	// Validators overrides individual validators, keyed by type. Entries
	// not present fall back to the built-in implementations. Mainly for
	// tests.
	Validators map[ValidatorType]Validator

	// RolloutSource returns a value in [0, 100) for rollout sampling.
	// Nil uses a seeded PRNG. Injectable so tests are deterministic.
	RolloutSource func() int
}

// LoadFromEnv builds a Config from environment variables, applying defaults
// for anything unset.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Enabled:             boolEnvOrDefault(EnvEnabled, true),
		StubMode:            boolEnvOrDefault(EnvStubMode, true),
		StubAllowEmulator:   boolEnvOrDefault(EnvStubAllowEmulator, false),
		RolloutPercentage:   intEnvOrDefault(EnvRolloutPercentage, 100),
		CacheSize:           intEnvOrDefault(EnvCacheSize, 10000),
		CacheTTL:            time.Duration(intEnvOrDefault(EnvCacheTTLSeconds, 3600)) * time.Second,
		RateLimitMax:        intEnvOrDefault(EnvRateLimitMax, 100),
		RateLimitWindow:     time.Duration(intEnvOrDefault(EnvRateLimitWindowSec, 3600)) * time.Second,
		APITimeout:          time.Duration(intEnvOrDefault(EnvAPITimeoutSeconds, 30)) * time.Second,
		AppleTeamID:         strings.TrimSpace(os.Getenv(EnvAppleTeamID)),
		AppleKeyID:          strings.TrimSpace(os.Getenv(EnvAppleKeyID)),
		ApplePrivateKeyPath: strings.TrimSpace(os.Getenv(EnvApplePrivateKeyPath)),
		AppleBundleID:       strings.TrimSpace(os.Getenv(EnvAppleBundleID)),
		GCPProjectID:        strings.TrimSpace(os.Getenv(EnvGCPProjectID)),
		GCPCredentialsFile:  strings.TrimSpace(os.Getenv(EnvGCPCredentialsFile)),
		AndroidPackageName:  strings.TrimSpace(os.Getenv(EnvAndroidPackageName)),
		SafetyNetAPIKey:     strings.TrimSpace(os.Getenv(EnvSafetyNetAPIKey)),
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.RolloutPercentage < 0 || c.RolloutPercentage > 100 {
		return fmt.Errorf("rollout percentage must be 0-100, got %d", c.RolloutPercentage)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache size must be non-negative, got %d", c.CacheSize)
	}
	if c.RateLimitMax < 0 {
		return fmt.Errorf("rate limit max must be non-negative, got %d", c.RateLimitMax)
	}
	return nil
}

// withDefaults fills zero values so a hand-built Config behaves like one
// loaded from an empty environment. RolloutPercentage is left alone: zero is
// a meaningful setting ("reject everything").
func (c Config) withDefaults() Config {
	if c.CacheSize == 0 {
		c.CacheSize = 10000
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.RateLimitMax == 0 {
		c.RateLimitMax = 100
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = time.Hour
	}
	if c.APITimeout == 0 {
		c.APITimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func intEnvOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolEnvOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
