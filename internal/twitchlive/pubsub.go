package twitchlive

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/streamfeed/internal/connector"
)

const (
	pubsubURL = "wss://pubsub-edge.twitch.tv"

	// the edge requires a PING at least every five minutes
	pubsubPingInterval = 4 * time.Minute
	pubsubMaxBackoff   = 60 * time.Second
)

// PubSubConfig names the topics to LISTEN on and the token authorizing them.
type PubSubConfig struct {
	URL    string // defaults to the production edge
	Token  string
	Topics []string

	PingInterval time.Duration
}

// PubSub is a minimal client for the Twitch PubSub edge: LISTEN on a fixed
// topic set, keep the connection alive, redial on RECONNECT and on errors.
// Event payloads are handed to the callback still encoded; the caller decides
// what each topic means.
type PubSub struct {
	cfg       PubSubConfig
	onMessage func(topic string, data []byte)
}

func NewPubSub(cfg PubSubConfig, onMessage func(topic string, data []byte)) *PubSub {
	if cfg.URL == "" {
		cfg.URL = pubsubURL
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = pubsubPingInterval
	}
	return &PubSub{cfg: cfg, onMessage: onMessage}
}

type pubsubEnvelope struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce,omitempty"`
	Error string `json:"error,omitempty"`
	Data  struct {
		Topic   string `json:"topic"`
		Message string `json:"message"`
	} `json:"data,omitempty"`
}

type pubsubListen struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
	Data  struct {
		Topics    []string `json:"topics"`
		AuthToken string   `json:"auth_token"`
	} `json:"data"`
}

// Run dials and re-dials until ctx is canceled. A LISTEN rejection is a
// protocol error and ends the loop; everything else is retried with capped
// backoff.
func (p *PubSub) Run(ctx context.Context) error {
	if len(p.cfg.Topics) == 0 {
		return nil
	}
	backoff := time.Second
	for {
		err := p.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connector.ClassOf(err) == connector.ClassProtocol {
			return err
		}
		if err != nil {
			slog.Warn("pubsub connection lost", "err", err)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > pubsubMaxBackoff {
			backoff = pubsubMaxBackoff
		}
	}
}

// runOnce returns nil when the server asked for a reconnect.
func (p *PubSub) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, p.cfg.URL, nil)
	if err != nil {
		return connector.Transient(errors.Wrap(err, "dial pubsub"))
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	listen := pubsubListen{Type: "LISTEN", Nonce: uuid.NewString()}
	listen.Data.Topics = p.cfg.Topics
	listen.Data.AuthToken = p.cfg.Token
	if err := wsjson.Write(ctx, conn, listen); err != nil {
		return connector.Transient(errors.Wrap(err, "send listen"))
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go p.pingLoop(pingCtx, conn)

	for {
		var env pubsubEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return connector.Transient(errors.Wrap(err, "read"))
		}
		switch env.Type {
		case "RESPONSE":
			if env.Error != "" {
				return connector.Protocol(errors.Errorf("listen rejected: %s", env.Error))
			}
		case "PONG":
			// keepalive satisfied
		case "RECONNECT":
			return nil
		case "MESSAGE":
			if p.onMessage != nil {
				p.onMessage(env.Data.Topic, []byte(env.Data.Message))
			}
		default:
			slog.Debug("pubsub frame ignored", "type", env.Type)
		}
	}
}

func (p *PubSub) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(p.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := wsjson.Write(ctx, conn, map[string]string{"type": "PING"}); err != nil {
				return
			}
		}
	}
}

// Topic builders for the subscriptions this pipeline consumes.
func topicSubscribe(channelID string) string { return "channel-subscribe-events-v1." + channelID }
func topicBits(channelID string) string      { return "channel-bits-events-v2." + channelID }
func topicFollowing(channelID string) string { return "following." + channelID }
func topicPlayback(channelID string) string  { return "video-playback-by-id." + channelID }

// decodePayload is a convenience for topic handlers.
func decodePayload(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return connector.Normalization(errors.Wrap(err, "parse pubsub payload"))
	}
	return nil
}
