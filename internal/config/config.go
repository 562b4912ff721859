package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	JWT           JWTConfig
	Security      SecurityConfig
	RateLimit     RateLimitConfig
	CORS          CORSConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ExternalBaseURL string
	LoginURL        string
	ConsentURL      string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// JWTConfig holds token signing configuration.
// For asymmetric algorithms the PEM material is mandatory; Load fails
// without it. HS256 is a single-process development mode only.
type JWTConfig struct {
	Algorithm     string
	PrivateKeyPEM string
	PublicKeyPEM  string
	KeyID         string
	Issuer        string
	Audience      string
	HS256Secret   string
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	BcryptCost           int
	LockoutMaxAttempts   int
	LockoutWindow        time.Duration
	LockoutDuration      time.Duration
	AuthCodeLifetime     time.Duration
	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration
	JWKSCacheTTL         time.Duration
	JWKSFetchTimeout     time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// CORSConfig holds cross-origin configuration for the HTTP surface
type CORSConfig struct {
	AllowedOrigins []string
	MaxAge         int
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout:    parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:     parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
			RequestTimeout:  parseDuration("SERVER_REQUEST_TIMEOUT", "30s"),
			ExternalBaseURL: getEnv("SERVER_EXTERNAL_BASE_URL", "http://localhost:8080"),
			LoginURL:        getEnv("SERVER_LOGIN_URL", "http://localhost:8080/login"),
			ConsentURL:      getEnv("SERVER_CONSENT_URL", "http://localhost:8080/consent"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "authgate"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "authgate"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		JWT: JWTConfig{
			Algorithm:     getEnv("JWT_ALGORITHM", "RS256"),
			PrivateKeyPEM: getEnv("JWT_PRIVATE_KEY_PEM", ""),
			PublicKeyPEM:  getEnv("JWT_PUBLIC_KEY_PEM", ""),
			KeyID:         getEnv("JWT_KEY_ID", ""),
			Issuer:        getEnv("JWT_ISSUER", "http://localhost:8080"),
			Audience:      getEnv("JWT_AUDIENCE", "authgate"),
			HS256Secret:   getEnv("JWT_HS256_SECRET", ""),
		},
		Security: SecurityConfig{
			BcryptCost:           parseInt("SECURITY_BCRYPT_COST", 12),
			LockoutMaxAttempts:   parseInt("SECURITY_LOCKOUT_MAX_ATTEMPTS", 5),
			LockoutWindow:        parseDuration("SECURITY_LOCKOUT_WINDOW", "15m"),
			LockoutDuration:      parseDuration("SECURITY_LOCKOUT_DURATION", "15m"),
			AuthCodeLifetime:     parseDuration("SECURITY_AUTH_CODE_LIFETIME", "10m"),
			AccessTokenLifetime:  parseDuration("SECURITY_ACCESS_TOKEN_LIFETIME", "1h"),
			RefreshTokenLifetime: parseDuration("SECURITY_REFRESH_TOKEN_LIFETIME", "720h"),
			JWKSCacheTTL:         parseDuration("SECURITY_JWKS_CACHE_TTL", "5m"),
			JWKSFetchTimeout:     parseDuration("SECURITY_JWKS_FETCH_TIMEOUT", "5s"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: float64(parseInt("RATELIMIT_RPS", 10)),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitEnv("CORS_ALLOWED_ORIGINS", "*"),
			MaxAge:         parseInt("CORS_MAX_AGE", 300),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "authgate"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}

	switch c.JWT.Algorithm {
	case "RS256":
		if c.JWT.PrivateKeyPEM == "" || c.JWT.PublicKeyPEM == "" {
			return fmt.Errorf("JWT_PRIVATE_KEY_PEM and JWT_PUBLIC_KEY_PEM are required for %s", c.JWT.Algorithm)
		}
		if c.JWT.KeyID == "" {
			return fmt.Errorf("JWT_KEY_ID is required for %s", c.JWT.Algorithm)
		}
	case "HS256":
		if c.JWT.HS256Secret == "" {
			return fmt.Errorf("JWT_HS256_SECRET is required for HS256")
		}
	default:
		return fmt.Errorf("unsupported JWT_ALGORITHM %q", c.JWT.Algorithm)
	}

	if c.Security.BcryptCost < 10 {
		return fmt.Errorf("SECURITY_BCRYPT_COST must be >= 10")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

func splitEnv(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
