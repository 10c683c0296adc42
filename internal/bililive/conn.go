// Package bililive connects to the Bilibili live danmaku feed: a push
// protocol over TCP with candidate-host failover, and the normalization of
// its commands into canonical events.
package bililive

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/streamfeed/internal/biliwire"
	"github.com/you/streamfeed/internal/connector"
)

const (
	defaultDialTimeout       = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second

	// heartbeatBody is what the reference web client sends; the server only
	// cares that the frame arrives.
	heartbeatBody = "[object Object]"
)

// ConnConfig describes one connection attempt against one candidate host.
type ConnConfig struct {
	Host   string
	Port   int
	RoomID int
	Token  string

	DialTimeout       time.Duration
	HeartbeatInterval time.Duration

	// OnReady fires once the server acknowledges authentication. The
	// connector uses it to tell a failed candidate from a dropped session.
	OnReady func()
}

// Conn owns one TCP connection to one danmaku server. It does not retry;
// failover and reconnection are the Connector's responsibility.
type Conn struct {
	cfg     ConnConfig
	onFrame func(biliwire.Frame)

	writeMu sync.Mutex
	conn    net.Conn
}

func NewConn(cfg ConnConfig, onFrame func(biliwire.Frame)) *Conn {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Conn{cfg: cfg, onFrame: onFrame}
}

type authPayload struct {
	UID      int    `json:"uid"`
	RoomID   int    `json:"roomid"`
	ProtoVer int    `json:"protover"`
	Platform string `json:"platform"`
	Type     int    `json:"type"`
	Key      string `json:"key"`
}

// Run dials, authenticates, and pumps decoded frames into the callback until
// ctx is canceled or the connection fails. Partially buffered bytes are
// discarded on exit.
func (c *Conn) Run(ctx context.Context) error {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	d := &net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return connector.Transient(errors.Wrapf(err, "dial %s", addr))
	}
	defer conn.Close()
	c.conn = conn

	// closer goroutine unblocks the reader when ctx is canceled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	auth, err := json.Marshal(authPayload{
		UID:      0,
		RoomID:   c.cfg.RoomID,
		ProtoVer: 3,
		Platform: "pc",
		Key:      c.cfg.Token,
		Type:     2,
	})
	if err != nil {
		return connector.Protocol(errors.Wrap(err, "encode auth"))
	}
	if err := c.send(biliwire.OpAuth, auth); err != nil {
		return connector.Transient(errors.Wrap(err, "send auth"))
	}

	hbErr := make(chan error, 1)
	go c.heartbeatLoop(ctx, done, hbErr)

	ready := false
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case herr := <-hbErr:
				return connector.Transient(errors.Wrap(herr, "heartbeat"))
			default:
			}
			return connector.Transient(errors.Wrap(err, "read"))
		}
		buf = append(buf, tmp[:n]...)

		for {
			frames, consumed, err := biliwire.Decode(buf)
			if errors.Is(err, biliwire.ErrShortFrame) {
				break
			}
			if err != nil {
				return connector.Protocol(err)
			}
			buf = buf[consumed:]
			for _, f := range frames {
				if !ready {
					ready = true
					if c.cfg.OnReady != nil {
						c.cfg.OnReady()
					}
				}
				framesTotal.WithLabelValues(opLabel(f.Operation)).Inc()
				if c.onFrame != nil {
					c.onFrame(f)
				}
			}
		}
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context, done <-chan struct{}, hbErr chan<- error) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-t.C:
			if err := c.send(biliwire.OpHeartbeat, []byte(heartbeatBody)); err != nil {
				select {
				case hbErr <- err:
				default:
				}
				// wake the read loop so Run returns
				_ = c.conn.Close()
				return
			}
		}
	}
}

// send serializes all socket writes; the heartbeat ticker and the auth
// handshake share one connection and frame bytes must not interleave.
func (c *Conn) send(op int32, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(biliwire.AppendFrame(nil, op, body))
	return err
}

func opLabel(op int32) string {
	switch op {
	case biliwire.OpHeartbeat:
		return "heartbeat"
	case biliwire.OpHeartbeatAck:
		return "heartbeat_ack"
	case biliwire.OpMessage:
		return "message"
	case biliwire.OpAuth:
		return "auth"
	case biliwire.OpAuthAck:
		return "auth_ack"
	}
	return fmt.Sprintf("op_%d", op)
}
