package app

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigFrom_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFrom(map[string]string{"CHAT_BACKEND_URL": "memory://"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.ChannelName != "ws:broadcast" || cfg.KeyPrefix != "ws" || cfg.PGSchema != "roomrelay" {
		t.Fatalf("unexpected naming defaults: %+v", cfg)
	}
	if !cfg.FallbackAll {
		t.Fatalf("fallback-to-all must default to true")
	}
	if cfg.WS.SendQueueSize != 256 || cfg.WS.RateEvents != 120 || cfg.WS.RateWindow != 10*time.Second {
		t.Fatalf("unexpected gateway defaults: %+v", cfg.WS)
	}
	if cfg.WS.MaxFrameBytes != 64<<10 {
		t.Fatalf("MaxFrameBytes=%d", cfg.WS.MaxFrameBytes)
	}
}

func TestLoadConfigFrom_Overrides(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFrom(map[string]string{
		"CHAT_BACKEND_URL":           "redis://localhost:6379/0",
		"CHAT_HTTP_ADDR":             "127.0.0.1:9000",
		"CHAT_FANOUT_FALLBACK_ALL":   "false",
		"CHAT_WS_ALLOWED_ORIGINS":    "https://a.example.com,https://b.example.com",
		"CHAT_WS_HEARTBEAT_INTERVAL": "5s",
		"CHAT_NATS_URL":              "nats://localhost:4222",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9000" || cfg.FallbackAll {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.WS.AllowedOrigins) != 2 || cfg.WS.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("AllowedOrigins=%v", cfg.WS.AllowedOrigins)
	}
	if cfg.WS.HeartbeatInterval != 5*time.Second {
		t.Fatalf("HeartbeatInterval=%v", cfg.WS.HeartbeatInterval)
	}
	if cfg.NATSURL == "" {
		t.Fatalf("expected NATS override to be set")
	}
}

func TestLoadConfigFrom_BackendURLRequired(t *testing.T) {
	t.Parallel()

	if _, err := LoadConfigFrom(map[string]string{}); err == nil {
		t.Fatalf("expected error without CHAT_BACKEND_URL")
	}
	_, err := LoadConfigFrom(map[string]string{"CHAT_BACKEND_URL": "mysql://x"})
	if err == nil || !strings.Contains(err.Error(), "unsupported scheme") {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}

func TestConfigBackendKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "redis://localhost:6379", want: backendRedis},
		{url: "rediss://user:pw@cache.internal:6380/1", want: backendRedis},
		{url: "postgres://u:p@db/chat", want: backendPostgres},
		{url: "postgresql://db/chat?sslmode=disable", want: backendPostgres},
		{url: "memory://", want: backendMemory},
		{url: "localhost:6379", wantErr: true},
		{url: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := Config{BackendURL: tc.url}.BackendKind()
		if tc.wantErr {
			if err == nil {
				t.Fatalf("BackendKind(%q): expected error, got %q", tc.url, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("BackendKind(%q)=%q,%v want=%q", tc.url, got, err, tc.want)
		}
	}
}

func TestConfigValidate_LogFormat(t *testing.T) {
	t.Parallel()

	cfg := Config{BackendURL: "memory://", LogFormat: "xml"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown log format")
	}
}
