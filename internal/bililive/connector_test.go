package bililive

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/you/streamfeed/internal/biliwire"
	"github.com/you/streamfeed/internal/connector"
	"github.com/you/streamfeed/internal/core"
)

type recordingSink struct {
	mu     sync.Mutex
	events []core.Event
	errs   []error
	fatal  []error
}

func (s *recordingSink) Publish(ev core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Error(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) FatalError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatal = append(s.fatal, err)
}

func (s *recordingSink) snapshot() (events []core.Event, errs, fatal []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Event(nil), s.events...),
		append([]error(nil), s.errs...),
		append([]error(nil), s.fatal...)
}

// deadPort returns a port nothing is listening on.
func deadPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// startDanmakuServer accepts one connection, completes the handshake and
// pushes the given command payloads as message frames.
func startDanmakuServer(t *testing.T, payloads ...string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				readFrame(t, c)
				c.Write(biliwire.AppendFrame(nil, biliwire.OpAuthAck, []byte(`{"code":0}`)))
				for _, p := range payloads {
					c.Write(biliwire.AppendFrame(nil, biliwire.OpMessage, []byte(p)))
				}
				io.Copy(io.Discard, c)
			}(c)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// apiServer serves candidate resolution pointing at the given ports, plus an
// empty gift catalog.
func apiServer(t *testing.T, ports ...int) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/xlive/web-room/v1/index/getDanmuInfo", func(w http.ResponseWriter, r *http.Request) {
		hosts := ""
		for i, p := range ports {
			if i > 0 {
				hosts += ","
			}
			hosts += fmt.Sprintf(`{"host":"127.0.0.1","port":%d}`, p)
		}
		fmt.Fprintf(w, `{"code":0,"data":{"token":"tok","host_list":[%s]}}`, hosts)
	})
	mux.HandleFunc("/xlive/web-room/v1/giftPanel/giftConfig", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"list":[]}}`)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &Client{LiveBase: ts.URL, HTTP: ts.Client()}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestConnectorFailsOverInOrder(t *testing.T) {
	danmu := `{"cmd":"DANMU_MSG","info":[[],"hi",[1,"alice",0,0],[]]}`
	live := startDanmakuServer(t, danmu)
	api := apiServer(t, deadPort(t), deadPort(t), live)

	sink := &recordingSink{}
	c := New(Config{RoomID: 7734, API: api}, &fakeIdentity{}, sink)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	waitFor(t, 5*time.Second, func() bool {
		events, _, _ := sink.snapshot()
		return len(events) >= 1
	})

	events, errs, fatal := sink.snapshot()
	if events[0].Kind != core.KindMessage || events[0].Content != "hi" {
		t.Fatalf("event = %+v", events[0])
	}
	if len(errs) != 2 {
		t.Fatalf("got %d candidate errors, want 2", len(errs))
	}
	for _, err := range errs {
		if connector.ClassOf(err) != connector.ClassTransient {
			t.Fatalf("candidate failure class = %v, want transient", connector.ClassOf(err))
		}
	}
	if len(fatal) != 0 {
		t.Fatalf("unexpected fatal errors: %v", fatal)
	}
}

func TestConnectorExhaustsCandidates(t *testing.T) {
	api := apiServer(t, deadPort(t), deadPort(t))

	sink := &recordingSink{}
	c := New(Config{RoomID: 7734, API: api}, &fakeIdentity{}, sink)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	waitFor(t, 5*time.Second, func() bool {
		_, _, fatal := sink.snapshot()
		return len(fatal) == 1
	})

	_, errs, fatal := sink.snapshot()
	if len(errs) != 2 {
		t.Fatalf("got %d candidate errors, want 2", len(errs))
	}
	if got := connector.ClassOf(fatal[0]); got != connector.ClassExhausted {
		t.Fatalf("fatal class = %v, want exhausted", got)
	}
}

func TestConnectorDisconnectStopsDelivery(t *testing.T) {
	danmu := `{"cmd":"DANMU_MSG","info":[[],"hi",[1,"alice",0,0],[]]}`
	live := startDanmakuServer(t, danmu)
	api := apiServer(t, live)

	sink := &recordingSink{}
	c := New(Config{RoomID: 7734, API: api}, &fakeIdentity{}, sink)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		events, _, _ := sink.snapshot()
		return len(events) >= 1
	})

	c.Disconnect()
	events, errs, fatal := sink.snapshot()

	// nothing may arrive after Disconnect returns
	time.Sleep(100 * time.Millisecond)
	events2, errs2, fatal2 := sink.snapshot()
	if len(events2) != len(events) || len(errs2) != len(errs) || len(fatal2) != len(fatal) {
		t.Fatal("sink received calls after Disconnect returned")
	}

	// a second Disconnect is a no-op
	c.Disconnect()
}

func TestConnectorDoubleConnect(t *testing.T) {
	api := apiServer(t, deadPort(t))
	c := New(Config{RoomID: 1, API: api}, &fakeIdentity{}, &recordingSink{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("second Connect should fail")
	}
}
