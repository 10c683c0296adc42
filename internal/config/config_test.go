package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Store.SQLitePath != defaultSQLitePath {
		t.Fatalf("sqlite path = %q", cfg.Store.SQLitePath)
	}
	if cfg.Batch() != 1 || cfg.FlushInterval() != 0 {
		t.Fatalf("batch = %d flush = %v", cfg.Batch(), cfg.FlushInterval())
	}
	if cfg.Bilibili.Enabled || cfg.Twitch.Enabled {
		t.Fatal("connectors should be disabled without configuration")
	}
	if cfg.HTTP.Addr != defaultHTTPAddr {
		t.Fatalf("http addr = %q", cfg.HTTP.Addr)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STREAMFEED_SQLITE_PATH", "/tmp/feed.db")
	t.Setenv("STREAMFEED_BATCH_SIZE", "50")
	t.Setenv("STREAMFEED_FLUSH_MAX_MS", "200")
	t.Setenv("STREAMFEED_BILIBILI_ROOM", "7734")
	t.Setenv("STREAMFEED_TWITCH_CHANNEL", "somechannel")
	t.Setenv("STREAMFEED_TWITCH_CHANNEL_ID", "42")
	t.Setenv("STREAMFEED_TWITCH_TOKEN", "supersecret")
	t.Setenv("STREAMFEED_TWITCH_TOKEN_EXPIRES", "2026-01-02T15:04:05Z")

	cfg := Load()
	if !cfg.Bilibili.Enabled || cfg.Bilibili.RoomID != 7734 {
		t.Fatalf("bilibili = %+v", cfg.Bilibili)
	}
	if !cfg.Twitch.Enabled || cfg.Twitch.ChannelID != "42" {
		t.Fatalf("twitch = %+v", cfg.Twitch)
	}
	want := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	if !cfg.Twitch.TokenExpiry.Equal(want) {
		t.Fatalf("expiry = %v", cfg.Twitch.TokenExpiry)
	}
	if cfg.Batch() != 50 {
		t.Fatalf("batch = %d", cfg.Batch())
	}
	if cfg.FlushInterval() != 200*time.Millisecond {
		t.Fatalf("flush = %v", cfg.FlushInterval())
	}
}

func TestExplicitDisableWins(t *testing.T) {
	t.Setenv("STREAMFEED_BILIBILI_ROOM", "7734")
	t.Setenv("STREAMFEED_BILIBILI_ENABLED", "false")

	cfg := Load()
	if cfg.Bilibili.Enabled {
		t.Fatal("explicit disable should override the room heuristic")
	}
}

func TestRedactedHidesToken(t *testing.T) {
	t.Setenv("STREAMFEED_TWITCH_TOKEN", "supersecret")

	out := string(Load().RedactedJSON())
	if strings.Contains(out, "supersecret") {
		t.Fatal("token leaked into redacted output")
	}
	if !strings.Contains(out, "REDACTED") {
		t.Fatalf("redaction marker missing: %s", out)
	}
}
