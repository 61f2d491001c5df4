package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.AttachmentsIndexSize != defaultAttachmentsIndexSize || cfg.AttachmentsIndexTTL != time.Hour {
		t.Fatalf("unexpected attachment defaults: %+v", cfg)
	}
	if cfg.SyncProtected() {
		t.Fatalf("sync endpoints should be open without a signing secret")
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("expected no allowed origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("FIELDCARE_SYNC_SIGNING_SECRET", "secret")
	t.Setenv("FIELDCARE_ATTACHMENTS_REMOTE_BASE_URL", "https://authority.example/")
	t.Setenv("FIELDCARE_HTTP_ALLOWED_ORIGINS", "http://localhost:3000, http://127.0.0.1:3000")
	t.Setenv("FIELDCARE_LOG_FORMAT", "Console")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.SyncProtected() || cfg.SyncIssuer != defaultSyncIssuer {
		t.Fatalf("expected protected sync with default issuer, got %+v", cfg)
	}
	if cfg.RemoteBaseURL != "https://authority.example" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.RemoteBaseURL)
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "http://localhost:3000|http://127.0.0.1:3000" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.LogFormat != "console" {
		t.Fatalf("expected console format, got %q", cfg.LogFormat)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value any
	}{
		{name: "empty database path", key: "database.path", value: " "},
		{name: "relative remote url", key: "attachments.remote_base_url", value: "authority.example"},
		{name: "zero index size", key: "attachments.index_size", value: 0},
		{name: "unknown log format", key: "log.format", value: "xml"},
		{name: "zero heartbeat", key: "sync.heartbeat_interval", value: time.Duration(0)},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected %s=%v to be rejected", testCase.key, testCase.value)
			}
		})
	}
}
