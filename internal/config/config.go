// Package config provides environment configuration for the API server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreBadger   = "badger"
	StorePostgres = "postgres"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string        `envconfig:"PORT" default:"8080"`
	ServerReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	ServerWriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	AllowedOrigins     []string      `envconfig:"ALLOWED_ORIGINS"`

	// Storage
	StoreBackend string `envconfig:"STORE_BACKEND" default:"badger"`
	BadgerDir    string `envconfig:"BADGER_DIR" default:"./data/badger"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`

	// Identity directory. DirectorySeed is "id:role[:name],..." and is used
	// when no database is configured.
	DirectorySeed string `envconfig:"DIRECTORY_SEED"`

	// Client message id deduplication
	RedisURL  string        `envconfig:"REDIS_URL"`
	DedupeTTL time.Duration `envconfig:"DEDUPE_TTL" default:"24h"`

	// NATS settings; notifications are disabled when NATSURL is empty.
	NATSURL      string `envconfig:"NATS_URL"`
	NATSCAFile   string `envconfig:"NATS_CA_FILE"`
	NATSCertFile string `envconfig:"NATS_CERT_FILE"`
	NATSKeyFile  string `envconfig:"NATS_KEY_FILE"`
	NATSToken    string `envconfig:"NATS_TOKEN"`

	// Image uploads; the in-memory stub is used without Cloudinary credentials.
	CloudinaryCloudName string `envconfig:"CLOUDINARY_CLOUD_NAME"`
	CloudinaryAPIKey    string `envconfig:"CLOUDINARY_API_KEY"`
	CloudinaryAPISecret string `envconfig:"CLOUDINARY_API_SECRET"`
	CloudinaryFolder    string `envconfig:"CLOUDINARY_FOLDER" default:"chat"`
	MaxImageBytes       int64  `envconfig:"MAX_IMAGE_BYTES" default:"10485760"`
	StubMediaBaseURL    string `envconfig:"STUB_MEDIA_BASE_URL" default:"http://localhost:8080/media"`

	// JWT settings
	JWTSecret string `envconfig:"JWT_SECRET" default:"development-secret-change-in-production"`

	// Live connections
	SubscribeLookback int `envconfig:"SUBSCRIBE_LOOKBACK" default:"50"`

	// Rate limiting
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"120"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Tracing
	TracingEndpoint string `envconfig:"TRACING_ENDPOINT" default:"localhost:4318"`
	TracingEnabled  bool   `envconfig:"TRACING_ENABLED" default:"false"`
}

// Load reads an optional .env file and then the environment.
func Load(files ...string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load(files...)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	c.StoreBackend = strings.ToLower(c.StoreBackend)
	switch c.StoreBackend {
	case StoreMemory, StoreBadger:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	return nil
}

// CloudinaryEnabled reports whether Cloudinary credentials are complete.
func (c *Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}
