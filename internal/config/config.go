package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "LOWKEY"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabaseDSN         = "lowkey.db"
	defaultLogLevel            = "info"
	defaultTokenIssuer         = "lowkey-auth"
	defaultTokenAudience       = "lowkey-api"
	defaultTokenTTLMinutes     = 60
	defaultSweepIntervalSecs   = 300
	defaultStoryTTLHours       = 24
	defaultChatSendBuffer      = 32
	defaultChatInboundRate     = 5.0
	defaultChatInboundBurst    = 10
	defaultBlobLocalRoot       = "media"
	defaultBlobPublicBaseURL   = "http://localhost:8080/media"
	blobBackendLocal           = "local"
	blobBackendGCS             = "gcs"
	databaseDriverSQLite       = "sqlite"
	databaseDriverPostgres     = "postgres"
	defaultAllowedOriginsValue = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	DatabaseDriver string
	DatabaseDSN    string

	LogLevel string

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration

	BlobBackend       string
	BlobLocalRoot     string
	BlobPublicBaseURL string
	BlobGCSBucket     string
	BlobGCSCredsFile  string

	SweepInterval time.Duration
	StoryTTL      time.Duration

	ChatSendBuffer   int
	ChatInboundRate  float64
	ChatInboundBurst int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOriginsValue)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("blob.backend", "")
	configViper.SetDefault("blob.local_root", defaultBlobLocalRoot)
	configViper.SetDefault("blob.public_base_url", defaultBlobPublicBaseURL)
	configViper.SetDefault("stories.sweep_interval_seconds", defaultSweepIntervalSecs)
	configViper.SetDefault("stories.ttl_hours", defaultStoryTTLHours)
	configViper.SetDefault("chat.send_buffer", defaultChatSendBuffer)
	configViper.SetDefault("chat.inbound_rate_per_second", defaultChatInboundRate)
	configViper.SetDefault("chat.inbound_burst", defaultChatInboundBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetString("http.allowed_origins")),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenIssuer:       configViper.GetString("auth.issuer"),
		TokenAudience:     configViper.GetString("auth.audience"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		BlobBackend:       strings.ToLower(strings.TrimSpace(configViper.GetString("blob.backend"))),
		BlobLocalRoot:     configViper.GetString("blob.local_root"),
		BlobPublicBaseURL: configViper.GetString("blob.public_base_url"),
		BlobGCSBucket:     configViper.GetString("blob.gcs_bucket"),
		BlobGCSCredsFile:  configViper.GetString("blob.gcs_credentials_file"),
		SweepInterval:     time.Duration(configViper.GetInt("stories.sweep_interval_seconds")) * time.Second,
		StoryTTL:          time.Duration(configViper.GetInt("stories.ttl_hours")) * time.Hour,
		ChatSendBuffer:    configViper.GetInt("chat.send_buffer"),
		ChatInboundRate:   configViper.GetFloat64("chat.inbound_rate_per_second"),
		ChatInboundBurst:  configViper.GetInt("chat.inbound_burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case databaseDriverSQLite, databaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", databaseDriverSQLite, databaseDriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.BlobBackend {
	case "":
	case blobBackendLocal:
		if strings.TrimSpace(c.BlobLocalRoot) == "" {
			return fmt.Errorf("blob.local_root is required for the local backend")
		}
	case blobBackendGCS:
		if strings.TrimSpace(c.BlobGCSBucket) == "" {
			return fmt.Errorf("blob.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("blob.backend %q is not supported", c.BlobBackend)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("stories.sweep_interval_seconds must be positive")
	}
	if c.StoryTTL <= 0 {
		return fmt.Errorf("stories.ttl_hours must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
