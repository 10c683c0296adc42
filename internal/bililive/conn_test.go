package bililive

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/you/streamfeed/internal/biliwire"
	"github.com/you/streamfeed/internal/connector"
)

// readFrame blocks until one complete frame arrives on c.
func readFrame(t *testing.T, c net.Conn) biliwire.Frame {
	t.Helper()
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 256)
	for {
		frames, _, err := biliwire.Decode(buf)
		if err == nil && len(frames) > 0 {
			return frames[0]
		}
		n, err := c.Read(tmp)
		if err != nil {
			t.Fatalf("server read: %v", err)
		}
		buf = append(buf, tmp[:n]...)
	}
}

func TestConnAuthHandshakeAndFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer c.Close()

		f := readFrame(t, c)
		if f.Operation != biliwire.OpAuth {
			serverDone <- io.ErrUnexpectedEOF
			return
		}
		var auth authPayload
		if err := json.Unmarshal(f.Body, &auth); err != nil {
			serverDone <- err
			return
		}
		if auth.RoomID != 42 || auth.Key != "tok" || auth.ProtoVer != 3 || auth.Type != 2 {
			t.Errorf("unexpected auth payload: %+v", auth)
		}

		c.Write(biliwire.AppendFrame(nil, biliwire.OpAuthAck, []byte(`{"code":0}`)))
		c.Write(biliwire.AppendFrame(nil, biliwire.OpMessage, []byte(`{"cmd":"TEST"}`)))
		serverDone <- nil
		// hold the connection open until the client goes away
		io.Copy(io.Discard, c)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	frames := make(chan biliwire.Frame, 8)
	ready := make(chan struct{}, 1)
	conn := NewConn(ConnConfig{
		Host:   "127.0.0.1",
		Port:   addr.Port,
		RoomID: 42,
		Token:  "tok",
		OnReady: func() {
			select {
			case ready <- struct{}{}:
			default:
			}
		},
	}, func(f biliwire.Frame) { frames <- f })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	if err := <-serverDone; err != nil {
		t.Fatalf("server: %v", err)
	}

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReady never fired")
	}

	want := []int32{biliwire.OpAuthAck, biliwire.OpMessage}
	for _, op := range want {
		select {
		case f := <-frames:
			if f.Operation != op {
				t.Fatalf("frame op = %d, want %d", f.Operation, op)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for op %d", op)
		}
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConnHeartbeat(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	gotHeartbeat := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		readFrame(t, c) // auth
		c.Write(biliwire.AppendFrame(nil, biliwire.OpAuthAck, []byte(`{"code":0}`)))
		hb := readFrame(t, c)
		if hb.Operation == biliwire.OpHeartbeat {
			gotHeartbeat <- hb.Body
		}
		io.Copy(io.Discard, c)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	conn := NewConn(ConnConfig{
		Host:              "127.0.0.1",
		Port:              addr.Port,
		RoomID:            1,
		HeartbeatInterval: 50 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	select {
	case body := <-gotHeartbeat:
		if string(body) != heartbeatBody {
			t.Fatalf("heartbeat body = %q, want %q", body, heartbeatBody)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat within interval")
	}
}

func TestConnDialFailureIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // port is now dead

	conn := NewConn(ConnConfig{Host: "127.0.0.1", Port: addr.Port, RoomID: 1}, nil)
	err = conn.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded against a dead port")
	}
	if got := connector.ClassOf(err); got != connector.ClassTransient {
		t.Fatalf("error class = %v, want transient", got)
	}
}
