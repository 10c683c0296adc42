// Package config reads the STREAMFEED_* environment. Values are never
// validated here beyond basic parsing; each component applies its own
// defaults.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Store      StoreConfig
	Bilibili   BilibiliConfig
	Twitch     TwitchConfig
	HTTP       HTTPConfig
	Enrichment EnrichmentConfig
}

type StoreConfig struct {
	SQLitePath string
	BatchSize  int
	FlushMaxMS int
}

type BilibiliConfig struct {
	Enabled bool
	RoomID  int
}

type TwitchConfig struct {
	Enabled     bool
	Channel     string
	ChannelID   string
	Username    string
	Token       string
	TokenFile   string
	TokenExpiry time.Time
}

type HTTPConfig struct {
	Addr string
}

type EnrichmentConfig struct {
	FetchesPerSecond float64
}

const (
	defaultSQLitePath = "streamfeed.db"
	defaultBatchSize  = 1
	defaultFlushMS    = 0
	defaultHTTPAddr   = ":9140"
	defaultFetchRPS   = 5
)

func Load() Config {
	cfg := Config{}

	cfg.Store.SQLitePath = strings.TrimSpace(os.Getenv("STREAMFEED_SQLITE_PATH"))
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaultSQLitePath
	}
	cfg.Store.BatchSize = readInt("STREAMFEED_BATCH_SIZE", defaultBatchSize)
	cfg.Store.FlushMaxMS = readInt("STREAMFEED_FLUSH_MAX_MS", defaultFlushMS)

	cfg.Bilibili.RoomID = readInt("STREAMFEED_BILIBILI_ROOM", 0)
	cfg.Bilibili.Enabled = readBool("STREAMFEED_BILIBILI_ENABLED", cfg.Bilibili.RoomID > 0)

	cfg.Twitch.Channel = strings.TrimSpace(os.Getenv("STREAMFEED_TWITCH_CHANNEL"))
	cfg.Twitch.ChannelID = strings.TrimSpace(os.Getenv("STREAMFEED_TWITCH_CHANNEL_ID"))
	cfg.Twitch.Username = strings.TrimSpace(os.Getenv("STREAMFEED_TWITCH_USERNAME"))
	cfg.Twitch.Token = strings.TrimSpace(os.Getenv("STREAMFEED_TWITCH_TOKEN"))
	cfg.Twitch.TokenFile = strings.TrimSpace(os.Getenv("STREAMFEED_TWITCH_TOKEN_FILE"))
	if raw := strings.TrimSpace(os.Getenv("STREAMFEED_TWITCH_TOKEN_EXPIRES")); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			cfg.Twitch.TokenExpiry = t
		}
	}
	cfg.Twitch.Enabled = readBool("STREAMFEED_TWITCH_ENABLED", cfg.Twitch.Channel != "")

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("STREAMFEED_HTTP_ADDR"))
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = defaultHTTPAddr
	}

	cfg.Enrichment.FetchesPerSecond = readFloat("STREAMFEED_ENRICH_RPS", defaultFetchRPS)

	return cfg
}

func (c Config) FlushInterval() time.Duration {
	if c.Store.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Store.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Store.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Store.BatchSize
}

// Redacted is safe to log at startup.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"store": map[string]any{
			"sqlite_path": c.Store.SQLitePath,
			"batch_size":  c.Store.BatchSize,
			"flush_ms":    c.Store.FlushMaxMS,
		},
		"bilibili": map[string]any{
			"enabled": c.Bilibili.Enabled,
			"room":    c.Bilibili.RoomID,
		},
		"twitch": map[string]any{
			"enabled":      c.Twitch.Enabled,
			"channel":      c.Twitch.Channel,
			"channel_id":   c.Twitch.ChannelID,
			"username":     c.Twitch.Username,
			"token":        redactString(c.Twitch.Token),
			"token_file":   c.Twitch.TokenFile,
			"token_expiry": formatExpiry(c.Twitch.TokenExpiry),
		},
		"http": map[string]any{
			"addr": c.HTTP.Addr,
		},
		"enrichment": map[string]any{
			"fetch_rps": c.Enrichment.FetchesPerSecond,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
