package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "FIELDCARE"
	defaultHTTPAddress          = "127.0.0.1:8787"
	defaultDatabasePath         = "fieldcare.db"
	defaultInstallationIDPath   = "installation.id"
	defaultAttachmentsDir       = "attachments"
	defaultAttachmentsIndexSize = 512
	defaultAttachmentsIndexTTL  = time.Hour
	defaultSyncIssuer           = "fieldcare-sync"
	defaultSyncTokenTTL         = 24 * time.Hour
	defaultHeartbeatInterval    = 25 * time.Second
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
)

// AppConfig captures runtime configuration for the local data service.
type AppConfig struct {
	HTTPAddress        string
	AllowedOrigins     []string
	DatabasePath       string
	InstallationIDPath string

	AttachmentsDir       string
	RemoteBaseURL        string
	AttachmentsIndexSize int
	AttachmentsIndexTTL  time.Duration

	// SyncSigningSecret guards the sync endpoints. Empty leaves them open.
	SyncSigningSecret string
	SyncIssuer        string
	SyncTokenTTL      time.Duration
	HeartbeatInterval time.Duration

	LogLevel  string
	LogFormat string
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("installation.id_path", defaultInstallationIDPath)
	configViper.SetDefault("attachments.dir", defaultAttachmentsDir)
	configViper.SetDefault("attachments.remote_base_url", "")
	configViper.SetDefault("attachments.index_size", defaultAttachmentsIndexSize)
	configViper.SetDefault("attachments.index_ttl", defaultAttachmentsIndexTTL)
	configViper.SetDefault("sync.signing_secret", "")
	configViper.SetDefault("sync.issuer", defaultSyncIssuer)
	configViper.SetDefault("sync.token_ttl", defaultSyncTokenTTL)
	configViper.SetDefault("sync.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       cleanList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:         configViper.GetString("database.path"),
		InstallationIDPath:   configViper.GetString("installation.id_path"),
		AttachmentsDir:       configViper.GetString("attachments.dir"),
		RemoteBaseURL:        strings.TrimRight(strings.TrimSpace(configViper.GetString("attachments.remote_base_url")), "/"),
		AttachmentsIndexSize: configViper.GetInt("attachments.index_size"),
		AttachmentsIndexTTL:  configViper.GetDuration("attachments.index_ttl"),
		SyncSigningSecret:    configViper.GetString("sync.signing_secret"),
		SyncIssuer:           configViper.GetString("sync.issuer"),
		SyncTokenTTL:         configViper.GetDuration("sync.token_ttl"),
		HeartbeatInterval:    configViper.GetDuration("sync.heartbeat_interval"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// SyncProtected reports whether sync endpoints require a bearer token.
func (c AppConfig) SyncProtected() bool {
	return strings.TrimSpace(c.SyncSigningSecret) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.InstallationIDPath) == "" {
		return fmt.Errorf("installation.id_path is required")
	}
	if strings.TrimSpace(c.AttachmentsDir) == "" {
		return fmt.Errorf("attachments.dir is required")
	}
	if c.RemoteBaseURL != "" {
		parsed, err := url.Parse(c.RemoteBaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("attachments.remote_base_url must be an absolute url, got %q", c.RemoteBaseURL)
		}
	}
	if c.AttachmentsIndexSize <= 0 {
		return fmt.Errorf("attachments.index_size must be positive")
	}
	if c.SyncProtected() && strings.TrimSpace(c.SyncIssuer) == "" {
		return fmt.Errorf("sync.issuer is required when sync.signing_secret is set")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("sync.heartbeat_interval must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

func cleanList(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
	}
	return cleaned
}
