package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/streamfeed/internal/bililive"
	"github.com/you/streamfeed/internal/bus"
	"github.com/you/streamfeed/internal/config"
	"github.com/you/streamfeed/internal/connector"
	"github.com/you/streamfeed/internal/core"
	"github.com/you/streamfeed/internal/httpapi"
	"github.com/you/streamfeed/internal/identity"
	"github.com/you/streamfeed/internal/store"
	"github.com/you/streamfeed/internal/twitchlive"
	"github.com/you/streamfeed/internal/version"
)

// eventSink routes one connector's output into the write path. Fatal errors
// end that connector only; the rest of the daemon keeps running.
type eventSink struct {
	name   string
	writer store.Writer
}

func (s *eventSink) Publish(ev core.Event) {
	if err := s.writer.Write(ev); err != nil {
		log.Printf("ingestd: %s: write event: %v", s.name, err)
	}
}

func (s *eventSink) Error(err error) {
	log.Printf("ingestd: %s: %v (class=%s)", s.name, err, connector.ClassOf(err))
}

func (s *eventSink) FatalError(err error) {
	log.Printf("ingestd: %s: FATAL: %v (class=%s); connector stopped", s.name, err, connector.ClassOf(err))
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	_ = godotenv.Load()

	var (
		versionFlag bool
		dbPath      string
		biliRoom    int
		twChannel   string
		httpAddr    string
	)
	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&dbPath, "sqlite", "", "Path to SQLite database file")
	flag.IntVar(&biliRoom, "bilibili-room", 0, "Bilibili live room id")
	flag.StringVar(&twChannel, "twitch-channel", "", "Twitch channel to attach to (without #)")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP api/metrics address (e.g., :9140)")
	flag.Parse()

	if versionFlag {
		fmt.Printf("ingestd version: %s (commit %s, built %s)\n",
			version.Version, version.Commit, version.BuildTime)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { overrides[f.Name] = true })

	cfg := config.Load()
	if overrides["sqlite"] {
		cfg.Store.SQLitePath = strings.TrimSpace(dbPath)
	}
	if overrides["bilibili-room"] {
		cfg.Bilibili.RoomID = biliRoom
		cfg.Bilibili.Enabled = biliRoom > 0
	}
	if overrides["twitch-channel"] {
		cfg.Twitch.Channel = strings.TrimSpace(twChannel)
		cfg.Twitch.Enabled = cfg.Twitch.Channel != ""
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}

	log.Printf("ingestd: config %s", cfg.RedactedJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("ingestd: received %s, shutting down", sig)
		cancel()
	}()

	db, err := store.Open(cfg.Store.SQLitePath)
	if err != nil {
		log.Fatalf("ingestd: open store: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("ingestd: close store: %v", err)
		}
	}()
	if err := db.Ping(); err != nil {
		log.Fatalf("ingestd: ping store: %v", err)
	}

	feed := bus.New(bus.Options{})
	defer feed.Close()

	var writer store.Writer = store.NewWithBus(db, feed)
	var buffered *store.BufferedWriter
	if cfg.Batch() > 1 || cfg.FlushInterval() > 0 {
		buffered = store.NewBufferedWriter(writer, store.BufferedOptions{
			BatchSize:     cfg.Batch(),
			FlushInterval: cfg.FlushInterval(),
		})
		writer = buffered
	}
	defer func() {
		if buffered != nil {
			if err := buffered.Close(); err != nil {
				log.Printf("ingestd: flush buffered writer: %v", err)
			}
		}
	}()

	biliAPI := bililive.NewClient()
	cache := identity.New(db, identity.Options{
		Fetchers: map[core.Platform]identity.ProfileFetcher{
			core.PlatformBilibili: biliAPI,
		},
		FetchesPerSecond: cfg.Enrichment.FetchesPerSecond,
		Publish: func(ev core.Event) {
			if err := writer.Write(ev); err != nil {
				log.Printf("ingestd: write enrichment event: %v", err)
			}
		},
		Logger: slog.Default(),
	})
	defer cache.Wait()
	defer cache.Close()

	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}
	api := httpapi.New(db, feed, httpapi.Options{
		Addr:           cfg.HTTP.Addr,
		Build:          build,
		ConfigSnapshot: cfg.Redacted(),
	})
	go func() {
		if err := api.Start(); err != nil {
			log.Fatalf("ingestd: http api: %v", err)
		}
	}()

	started := 0

	if cfg.Bilibili.Enabled {
		bili := bililive.New(bililive.Config{
			RoomID: cfg.Bilibili.RoomID,
			API:    biliAPI,
		}, cache, &eventSink{name: "bilibili", writer: writer})
		if err := bili.Connect(ctx); err != nil {
			log.Fatalf("ingestd: bilibili connect: %v", err)
		}
		defer bili.Disconnect()
		started++
		log.Printf("ingestd: bilibili connector started for room %d", cfg.Bilibili.RoomID)
	}

	if cfg.Twitch.Enabled {
		creds := func() (twitchlive.Credentials, error) {
			token := cfg.Twitch.Token
			if cfg.Twitch.TokenFile != "" {
				loaded, err := twitchlive.ReadTokenFile(cfg.Twitch.TokenFile)
				if err != nil {
					return twitchlive.Credentials{}, err
				}
				token = loaded
			}
			return twitchlive.Credentials{
				Username:  cfg.Twitch.Username,
				Token:     token,
				ExpiresAt: cfg.Twitch.TokenExpiry,
			}, nil
		}
		tw := twitchlive.New(twitchlive.Config{
			Channel:   cfg.Twitch.Channel,
			ChannelID: cfg.Twitch.ChannelID,
			Creds:     creds,
			OnAuthExpired: func() {
				log.Printf("ingestd: twitch token expired; refresh the token file and restart the connector")
			},
		}, cache, &eventSink{name: "twitch", writer: writer})
		if err := tw.Connect(ctx); err != nil {
			log.Fatalf("ingestd: twitch connect: %v", err)
		}
		defer tw.Disconnect()

		if cfg.Twitch.TokenFile != "" {
			stop, err := twitchlive.WatchTokenFile(cfg.Twitch.TokenFile, func() {
				log.Printf("ingestd: twitch token file changed; reconnecting")
				tw.Disconnect()
				if err := tw.Connect(ctx); err != nil {
					log.Printf("ingestd: twitch reconnect: %v", err)
				}
			})
			if err != nil {
				log.Printf("ingestd: watch token file: %v", err)
			} else {
				defer stop()
			}
		}
		started++
		log.Printf("ingestd: twitch connector started for #%s", cfg.Twitch.Channel)
	}

	if started == 0 {
		log.Printf("ingestd: WARNING: no connectors configured; set STREAMFEED_BILIBILI_ROOM or STREAMFEED_TWITCH_CHANNEL")
	}

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("ingestd: http api shutdown: %v", err)
	}
	cancelShutdown()

	log.Printf("ingestd: shutdown complete")
}
