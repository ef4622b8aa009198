// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Streaming authorities.
const (
	StreamingWorlds  = "worlds"
	StreamingLiveKit = "livekit"
	StreamingNone    = "none"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Redis (optional): scheduler leader lock and shared rate limits
	RedisURL string `koanf:"redis_url"`

	// Authentication
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`
	SystemToken       string `koanf:"system_token"`

	// Booking rules
	MinBookingTime    time.Duration `koanf:"min_booking_time"`
	MaxBookingTime    time.Duration `koanf:"max_booking_time"`
	SchedulerInterval time.Duration `koanf:"scheduler_interval"`

	// Browser origins allowed by CORS and the websocket upgrader
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// Streaming rights
	StreamingAuthority   string `koanf:"streaming_authority"`
	StreamingMaxAttempts int    `koanf:"streaming_max_attempts"` // 0 retries until shutdown
	WorldsURL            string `koanf:"worlds_url"`

	// Delegated signing identity for the worlds content server
	OwnerAddress         string `koanf:"owner_address"`
	EphemeralPrivateKey  string `koanf:"ephemeral_private_key"`
	DelegationSignature  string `koanf:"delegation_signature"`
	DelegationExpiration string `koanf:"delegation_expiration"`

	// LiveKit (WebRTC)
	LiveKitURL       string `koanf:"livekit_url"`
	LiveKitAPIKey    string `koanf:"livekit_api_key"`
	LiveKitAPISecret string `koanf:"livekit_api_secret"`

	// R2 object storage for booking preview images (optional)
	R2BucketName      string `koanf:"r2_bucket_name"`
	R2AccessKeyID     string `koanf:"r2_access_key_id"`
	R2SecretAccessKey string `koanf:"r2_secret_access_key"`
	R2Endpoint        string `koanf:"r2_endpoint"`
	R2PublicURL       string `koanf:"r2_public_url"`
	R2MaxUploadSizeMB int    `koanf:"r2_max_upload_size_mb"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	TracingEndpoint   string  `koanf:"tracing_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL        = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret          = errors.New("JWT_SECRET is required")
	ErrMissingSystemToken        = errors.New("SYSTEM_TOKEN is required")
	ErrMissingLiveKitURL         = errors.New("LIVEKIT_URL is required")
	ErrMissingLiveKitAPIKey      = errors.New("LIVEKIT_API_KEY is required")
	ErrMissingLiveKitAPISecret   = errors.New("LIVEKIT_API_SECRET is required")
	ErrMissingOwnerAddress       = errors.New("OWNER_ADDRESS is required")
	ErrMissingEphemeralKey       = errors.New("EPHEMERAL_PRIVATE_KEY is required")
	ErrMissingDelegationSig      = errors.New("DELEGATION_SIGNATURE is required")
	ErrMissingDelegationExpiry   = errors.New("DELEGATION_EXPIRATION is required")
	ErrMissingR2BucketName       = errors.New("R2_BUCKET_NAME is required")
	ErrMissingR2AccessKeyID      = errors.New("R2_ACCESS_KEY_ID is required")
	ErrMissingR2SecretAccessKey  = errors.New("R2_SECRET_ACCESS_KEY is required")
	ErrMissingR2Endpoint         = errors.New("R2_ENDPOINT is required")
	ErrMissingR2PublicURL        = errors.New("R2_PUBLIC_URL is required")
	ErrInvalidStreamingAuthority = errors.New("STREAMING_AUTHORITY must be worlds, livekit or none")
	ErrInvalidBookingTime        = errors.New("MIN_BOOKING_TIME must be positive and not above MAX_BOOKING_TIME")
	ErrInvalidSchedulerInterval  = errors.New("SCHEDULER_INTERVAL must be positive")
	ErrInvalidMaxAttempts        = errors.New("STREAMING_MAX_ATTEMPTS must not be negative")
	ErrInvalidSampleRate         = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidPort               = errors.New("PORT must be a valid integer")
	ErrInvalidValue              = errors.New("invalid configuration value")
)

// Default values for non-secret configuration.
const (
	DefaultPort                 = 8080
	DefaultEnv                  = "development"
	DefaultMinBookingTime       = 15 * time.Minute
	DefaultMaxBookingTime       = 24 * time.Hour
	DefaultSchedulerInterval    = 5 * time.Second
	DefaultStreamingAuthority   = StreamingWorlds
	DefaultStreamingMaxAttempts = 20
	DefaultWorldsURL            = "https://worlds-content-server.decentraland.org"
	DefaultR2MaxUploadSizeMB    = 5
	DefaultTracingExporter      = "otlp-http"
	DefaultTracingSampleRate    = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error
	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, err := getEnvIntOrDefaultMulti([]string{"SLOTCAST_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)

	minBooking, err := getEnvDurationOrDefault("MIN_BOOKING_TIME", k, "min_booking_time", DefaultMinBookingTime)
	collect(err)
	maxBooking, err := getEnvDurationOrDefault("MAX_BOOKING_TIME", k, "max_booking_time", DefaultMaxBookingTime)
	collect(err)
	interval, err := getEnvDurationOrDefault("SCHEDULER_INTERVAL", k, "scheduler_interval", DefaultSchedulerInterval)
	collect(err)

	// 0 is meaningful here, so presence in the file is checked explicitly.
	maxAttempts := DefaultStreamingMaxAttempts
	if k.Exists("streaming_max_attempts") {
		maxAttempts = k.Int("streaming_max_attempts")
	}
	if val := os.Getenv("STREAMING_MAX_ATTEMPTS"); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			collect(fmt.Errorf("STREAMING_MAX_ATTEMPTS must be a valid integer: %w", ErrInvalidValue))
		} else {
			maxAttempts = i
		}
	}

	maxUploadSize, err := getEnvIntOrDefaultMulti([]string{"R2_MAX_UPLOAD_SIZE_MB"}, k.Int("r2_max_upload_size_mb"), DefaultR2MaxUploadSizeMB)
	collect(err)

	tracingEnabled := k.Bool("tracing_enabled")
	if val := os.Getenv("TRACING_ENABLED"); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			tracingEnabled = true
		case "false", "0", "no", "off":
			tracingEnabled = false
		}
	}

	sampleRate := DefaultTracingSampleRate
	if k.Exists("tracing_sample_rate") {
		sampleRate = k.Float64("tracing_sample_rate")
	}
	if val := os.Getenv("TRACING_SAMPLE_RATE"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			collect(fmt.Errorf("TRACING_SAMPLE_RATE must be a valid float: %w", ErrInvalidValue))
		} else {
			sampleRate = f
		}
	}

	origins := k.Strings("cors_allowed_origins")
	if val := os.Getenv("CORS_ALLOWED_ORIGINS"); val != "" {
		origins = splitList(val)
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                 port,
		Env:                  getEnvOrDefaultMulti([]string{"SLOTCAST_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:          getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:             getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		JWTSecret:            getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:    getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		SystemToken:          getEnvOrKoanf("SYSTEM_TOKEN", k, "system_token"),
		MinBookingTime:       minBooking,
		MaxBookingTime:       maxBooking,
		SchedulerInterval:    interval,
		CORSAllowedOrigins:   origins,
		StreamingAuthority:   strings.ToLower(getEnvOrDefault("STREAMING_AUTHORITY", k.String("streaming_authority"), DefaultStreamingAuthority)),
		StreamingMaxAttempts: maxAttempts,
		WorldsURL:            getEnvOrDefault("WORLDS_URL", k.String("worlds_url"), DefaultWorldsURL),
		OwnerAddress:         getEnvOrKoanf("OWNER_ADDRESS", k, "owner_address"),
		EphemeralPrivateKey:  getEnvOrKoanf("EPHEMERAL_PRIVATE_KEY", k, "ephemeral_private_key"),
		DelegationSignature:  getEnvOrKoanf("DELEGATION_SIGNATURE", k, "delegation_signature"),
		DelegationExpiration: getEnvOrKoanf("DELEGATION_EXPIRATION", k, "delegation_expiration"),
		LiveKitURL:           getEnvOrKoanf("LIVEKIT_URL", k, "livekit_url"),
		LiveKitAPIKey:        getEnvOrKoanf("LIVEKIT_API_KEY", k, "livekit_api_key"),
		LiveKitAPISecret:     getEnvOrKoanf("LIVEKIT_API_SECRET", k, "livekit_api_secret"),
		R2BucketName:         getEnvOrKoanf("R2_BUCKET_NAME", k, "r2_bucket_name"),
		R2AccessKeyID:        getEnvOrKoanf("R2_ACCESS_KEY_ID", k, "r2_access_key_id"),
		R2SecretAccessKey:    getEnvOrKoanf("R2_SECRET_ACCESS_KEY", k, "r2_secret_access_key"),
		R2Endpoint:           getEnvOrKoanf("R2_ENDPOINT", k, "r2_endpoint"),
		R2PublicURL:          getEnvOrKoanf("R2_PUBLIC_URL", k, "r2_public_url"),
		R2MaxUploadSizeMB:    maxUploadSize,
		TracingEnabled:       tracingEnabled,
		TracingExporter:      getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		TracingEndpoint:      getEnvOrKoanf("TRACING_ENDPOINT", k, "tracing_endpoint"),
		TracingSampleRate:    sampleRate,
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault reads a duration such as "15m" or "5s" from the
// environment, then the file, then falls back to the default.
func getEnvDurationOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(envKey)
	if raw == "" {
		raw = k.String(koanfKey)
	}
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultVal, fmt.Errorf("%s must be a duration like 15m: %w", envKey, ErrInvalidValue)
	}
	return d, nil
}

// splitList splits a comma-separated value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.SystemToken == "" {
		errs = append(errs, ErrMissingSystemToken)
	}
	if c.MinBookingTime <= 0 || c.MaxBookingTime < c.MinBookingTime {
		errs = append(errs, ErrInvalidBookingTime)
	}
	if c.SchedulerInterval <= 0 {
		errs = append(errs, ErrInvalidSchedulerInterval)
	}
	if c.StreamingMaxAttempts < 0 {
		errs = append(errs, ErrInvalidMaxAttempts)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}

	switch c.StreamingAuthority {
	case StreamingWorlds:
		if c.OwnerAddress == "" {
			errs = append(errs, ErrMissingOwnerAddress)
		}
		if c.EphemeralPrivateKey == "" {
			errs = append(errs, ErrMissingEphemeralKey)
		}
		if c.DelegationSignature == "" {
			errs = append(errs, ErrMissingDelegationSig)
		}
		if c.DelegationExpiration == "" {
			errs = append(errs, ErrMissingDelegationExpiry)
		}
	case StreamingLiveKit, StreamingNone:
	default:
		errs = append(errs, ErrInvalidStreamingAuthority)
	}

	// LiveKit is required as the streaming authority and otherwise optional.
	// Only validate fields if any LiveKit value is set.
	if c.StreamingAuthority == StreamingLiveKit || c.LiveKitEnabled() {
		if c.LiveKitURL == "" {
			errs = append(errs, ErrMissingLiveKitURL)
		}
		if c.LiveKitAPIKey == "" {
			errs = append(errs, ErrMissingLiveKitAPIKey)
		}
		if c.LiveKitAPISecret == "" {
			errs = append(errs, ErrMissingLiveKitAPISecret)
		}
	}

	if c.UploadsEnabled() {
		if c.R2BucketName == "" {
			errs = append(errs, ErrMissingR2BucketName)
		}
		if c.R2AccessKeyID == "" {
			errs = append(errs, ErrMissingR2AccessKeyID)
		}
		if c.R2SecretAccessKey == "" {
			errs = append(errs, ErrMissingR2SecretAccessKey)
		}
		if c.R2Endpoint == "" {
			errs = append(errs, ErrMissingR2Endpoint)
		}
		if c.R2PublicURL == "" {
			errs = append(errs, ErrMissingR2PublicURL)
		}
	}

	return errs
}

// UploadsEnabled reports whether any R2 setting is present.
func (c *Config) UploadsEnabled() bool {
	return c.R2BucketName != "" || c.R2AccessKeyID != "" || c.R2SecretAccessKey != "" ||
		c.R2Endpoint != "" || c.R2PublicURL != ""
}

// LiveKitEnabled reports whether any LiveKit setting is present.
func (c *Config) LiveKitEnabled() bool {
	return c.LiveKitURL != "" || c.LiveKitAPIKey != "" || c.LiveKitAPISecret != ""
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                   strconv.Itoa(c.Port),
		"env":                    c.Env,
		"database_url":           maskDatabaseURL(c.DatabaseURL),
		"redis_url":              maskDatabaseURL(c.RedisURL),
		"jwt_secret":             maskSecret(c.JWTSecret),
		"jwt_previous_secret":    maskSecret(c.JWTPreviousSecret),
		"system_token":           maskSecret(c.SystemToken),
		"min_booking_time":       c.MinBookingTime.String(),
		"max_booking_time":       c.MaxBookingTime.String(),
		"scheduler_interval":     c.SchedulerInterval.String(),
		"cors_allowed_origins":   strings.Join(c.CORSAllowedOrigins, ","),
		"streaming_authority":    c.StreamingAuthority,
		"streaming_max_attempts": strconv.Itoa(c.StreamingMaxAttempts),
		"worlds_url":             c.WorldsURL,
		"owner_address":          c.OwnerAddress,
		"ephemeral_private_key":  maskHexKey(c.EphemeralPrivateKey),
		"delegation_signature":   maskSecret(c.DelegationSignature),
		"delegation_expiration":  c.DelegationExpiration,
		"livekit_url":            c.LiveKitURL,
		"livekit_api_key":        maskSecret(c.LiveKitAPIKey),
		"livekit_api_secret":     maskSecret(c.LiveKitAPISecret),
		"r2_bucket_name":         c.R2BucketName,
		"r2_access_key_id":       maskSecret(c.R2AccessKeyID),
		"r2_secret_access_key":   maskSecret(c.R2SecretAccessKey),
		"r2_endpoint":            c.R2Endpoint,
		"r2_public_url":          c.R2PublicURL,
		"r2_max_upload_size_mb":  strconv.Itoa(c.R2MaxUploadSizeMB),
		"tracing_enabled":        strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":       c.TracingExporter,
		"tracing_endpoint":       c.TracingEndpoint,
		"tracing_sample_rate":    strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskHexKey masks a private key entirely, keeping only the 0x prefix.
func maskHexKey(s string) string {
	if s == "" {
		return "<not set>"
	}
	if strings.HasPrefix(s, "0x") {
		return "0x****"
	}
	return "****"
}

// maskDatabaseURL masks the password in a connection URL.
// Works for postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
