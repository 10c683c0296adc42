package twitchlive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/pkg/errors"

	"github.com/you/streamfeed/internal/connector"
	"github.com/you/streamfeed/internal/core"
)

// Config describes one channel's connector. Creds is consulted on every
// Connect so rotated tokens are picked up without rebuilding the connector.
type Config struct {
	Channel   string
	ChannelID string // numeric id; required for the PubSub topics

	Creds func() (Credentials, error)

	// OnAuthExpired runs when the expiry gate refuses a Connect, after the
	// fatal error has been reported. Typically it kicks off re-auth.
	OnAuthExpired func()

	// PubSubURL overrides the edge endpoint. Tests only.
	PubSubURL string
}

// Connector attaches to Twitch chat and PubSub for one channel. The IRC
// library owns chat reconnection; the PubSub client redials itself. Expired
// credentials are refused up front instead of burning a doomed connection.
type Connector struct {
	cfg  Config
	sink connector.Sink
	norm *Normalizer
	now  func() time.Time

	mu     sync.Mutex
	irc    *twitch.Client
	cancel context.CancelFunc
	done   chan struct{}
}

var _ connector.Connector = (*Connector)(nil)

func New(cfg Config, ids Identity, sink connector.Sink) *Connector {
	return &Connector{
		cfg:  cfg,
		sink: sink,
		norm: NewNormalizer(ids),
		now:  time.Now,
	}
}

// Connect validates credentials and attaches. An expired token reports a
// fatal auth error through the sink and never dials.
func (c *Connector) Connect(ctx context.Context) error {
	if c.cfg.Creds == nil {
		return errors.New("twitchlive: no credential source")
	}
	creds, err := c.cfg.Creds()
	if err != nil {
		return errors.Wrap(err, "twitchlive: read credentials")
	}
	if creds.Expired(c.now()) {
		authExpiredTotal.Inc()
		c.sink.FatalError(connector.AuthExpired(errors.Errorf("token for %s expired at %s", creds.Username, creds.ExpiresAt.Format(time.RFC3339))))
		if c.cfg.OnAuthExpired != nil {
			c.cfg.OnAuthExpired()
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("twitchlive: already connected")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	irc := twitch.NewClient(creds.Username, creds.IRCToken())
	irc.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		if runCtx.Err() != nil {
			return
		}
		c.deliver(c.norm.Message(runCtx, msg))
	})
	irc.OnConnect(func() {
		slog.Info("twitch chat connected", "channel", c.cfg.Channel)
	})
	irc.Join(c.cfg.Channel)
	c.irc = irc

	var pubsub *PubSub
	if c.cfg.ChannelID != "" {
		pubsub = NewPubSub(PubSubConfig{
			URL:   c.cfg.PubSubURL,
			Token: creds.BearerToken(),
			Topics: []string{
				topicSubscribe(c.cfg.ChannelID),
				topicBits(c.cfg.ChannelID),
				topicFollowing(c.cfg.ChannelID),
				topicPlayback(c.cfg.ChannelID),
			},
		}, func(topic string, data []byte) {
			if runCtx.Err() != nil {
				return
			}
			c.handleTopic(runCtx, topic, data)
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := irc.Connect()
		if err != nil && runCtx.Err() == nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			c.sink.Error(connector.Transient(errors.Wrap(err, "chat connection")))
		}
	}()
	if pubsub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pubsub.Run(runCtx)
			if err != nil && runCtx.Err() == nil {
				c.sink.Error(err)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return nil
}

// Disconnect detaches from chat and PubSub and waits for both to stop. No
// events are delivered after it returns.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	irc := c.irc
	c.cancel = nil
	c.done = nil
	c.irc = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if irc != nil {
		if err := irc.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
			slog.Warn("twitch chat disconnect", "err", err)
		}
	}
	<-done
}

func (c *Connector) handleTopic(ctx context.Context, topic string, data []byte) {
	switch topic {
	case topicSubscribe(c.cfg.ChannelID):
		c.deliver(c.norm.Subscription(ctx, data))
	case topicBits(c.cfg.ChannelID):
		c.deliver(c.norm.Bits(ctx, data))
	case topicFollowing(c.cfg.ChannelID):
		c.deliver(c.norm.Follow(ctx, data))
	case topicPlayback(c.cfg.ChannelID):
		c.deliver(c.norm.Playback(data))
	default:
		dropsTotal.WithLabelValues("topic").Inc()
	}
}

func (c *Connector) deliver(ev *core.Event, err error) {
	if err != nil {
		c.sink.Error(err)
		return
	}
	if ev == nil {
		return
	}
	c.sink.Publish(*ev)
}
