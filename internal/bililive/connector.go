package bililive

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/streamfeed/internal/biliwire"
	"github.com/you/streamfeed/internal/connector"
)

// Config describes one room's connector.
type Config struct {
	RoomID int

	// API overrides the HTTP client used for candidate lookup, the gift
	// catalog and profile fetches. Nil means production endpoints.
	API *Client

	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	MaxBackoff        time.Duration
}

// Connector drives the push-protocol connection for one Bilibili room:
// resolve candidates, fail over in order, normalize accepted frames, and
// reconnect with capped backoff until Disconnect.
type Connector struct {
	cfg   Config
	api   *Client
	sink  connector.Sink
	gifts *Catalog
	norm  *Normalizer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ connector.Connector = (*Connector)(nil)

func New(cfg Config, ids Identity, sink connector.Sink) *Connector {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	api := cfg.API
	if api == nil {
		api = NewClient()
	}
	gifts := NewCatalog()
	return &Connector{
		cfg:   cfg,
		api:   api,
		sink:  sink,
		gifts: gifts,
		norm:  NewNormalizer(cfg.RoomID, ids, gifts),
	}
}

// Connect starts the connection supervisor. It returns immediately; all
// failures surface through the sink.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("bililive: already connected")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go func() {
		defer close(done)
		c.run(runCtx)
	}()
	return nil
}

// Disconnect suppresses reconnection and waits for the supervisor to exit.
// No events are delivered after it returns.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Connector) run(ctx context.Context) {
	backoff := time.Second
	first := true

	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			reconnectsTotal.Inc()
		}
		first = false

		token, candidates, err := c.api.ResolveCandidates(ctx, c.cfg.RoomID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.sink.Error(connector.Transient(err))
			if !sleepContext(ctx, backoff) {
				return
			}
			backoff = bump(backoff, c.cfg.MaxBackoff)
			continue
		}

		// Sku images are a nicety; a failed catalog fetch must not block the
		// feed.
		if err := c.api.Refresh(ctx, c.gifts, c.cfg.RoomID); err != nil && ctx.Err() == nil {
			log.Printf("bililive: gift catalog: %v", err)
		}

		established := false
		for _, cand := range candidates {
			if ctx.Err() != nil {
				return
			}
			ready := false
			conn := NewConn(ConnConfig{
				Host:              cand.Host,
				Port:              cand.Port,
				RoomID:            c.cfg.RoomID,
				Token:             token,
				DialTimeout:       c.cfg.DialTimeout,
				HeartbeatInterval: c.cfg.HeartbeatInterval,
				OnReady: func() {
					ready = true
					log.Printf("bililive: connected to %s:%d (room %d)", cand.Host, cand.Port, c.cfg.RoomID)
				},
			}, c.frameHandler(ctx))

			err := conn.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			if ready {
				// session was established and then dropped; re-run the full
				// connect procedure from a fresh candidate list
				established = true
				backoff = time.Second
				c.sink.Error(err)
				break
			}
			c.sink.Error(err)
		}
		if established {
			continue
		}

		c.sink.FatalError(connector.Exhausted(errors.Errorf("bililive: all %d candidate hosts failed for room %d", len(candidates), c.cfg.RoomID)))
		return
	}
}

// frameHandler forwards plain message frames to the normalizer. Everything
// else (heartbeat acks, auth acks, int32 bodies) is decoded and dropped.
func (c *Connector) frameHandler(ctx context.Context) func(biliwire.Frame) {
	return func(f biliwire.Frame) {
		if !f.Command() {
			return
		}
		ev, err := c.norm.Normalize(ctx, f.Body)
		if err != nil {
			c.sink.Error(err)
			return
		}
		if ev == nil {
			return
		}
		c.sink.Publish(*ev)
	}
}

func bump(backoff, max time.Duration) time.Duration {
	backoff *= 2
	if backoff > max {
		backoff = max
	}
	return backoff
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
