package twitchlive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/streamfeed/internal/connector"
)

// startPubSubServer runs a fake edge that checks the LISTEN, acks it, then
// plays the given script of (topic, message) pairs.
func startPubSubServer(t *testing.T, wantTopics []string, script [][2]string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		var listen pubsubListen
		if err := wsjson.Read(ctx, conn, &listen); err != nil {
			return
		}
		if listen.Type != "LISTEN" || len(listen.Data.Topics) != len(wantTopics) {
			t.Errorf("unexpected listen: %+v", listen)
		}

		ack := pubsubEnvelope{Type: "RESPONSE", Nonce: listen.Nonce}
		if err := wsjson.Write(ctx, conn, ack); err != nil {
			return
		}
		for _, step := range script {
			env := pubsubEnvelope{Type: "MESSAGE"}
			env.Data.Topic = step[0]
			env.Data.Message = step[1]
			if err := wsjson.Write(ctx, conn, env); err != nil {
				return
			}
		}
		// hold the connection open; the client ends the session
		for {
			var in map[string]any
			if err := wsjson.Read(ctx, conn, &in); err != nil {
				return
			}
			if in["type"] == "PING" {
				wsjson.Write(ctx, conn, map[string]string{"type": "PONG"})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPubSubDeliversMessages(t *testing.T) {
	topics := []string{topicBits("42")}
	url := startPubSubServer(t, topics, [][2]string{
		{topicBits("42"), `{"data":{"bits_used":100}}`},
		{topicBits("42"), `{"data":{"bits_used":200}}`},
	})

	var mu sync.Mutex
	var got []string
	p := NewPubSub(PubSubConfig{URL: url, Token: "tok", Topics: topics}, func(topic string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, topic+":"+string(data))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d messages, want 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(got[0], "100") || !strings.Contains(got[1], "200") {
		t.Fatalf("messages out of order or mangled: %v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPubSubListenRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		var listen pubsubListen
		if err := wsjson.Read(ctx, conn, &listen); err != nil {
			return
		}
		wsjson.Write(ctx, conn, pubsubEnvelope{Type: "RESPONSE", Nonce: listen.Nonce, Error: "ERR_BADAUTH"})
	}))
	defer srv.Close()

	p := NewPubSub(PubSubConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:  "bad",
		Topics: []string{topicBits("42")},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := p.Run(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := connector.ClassOf(err); got != connector.ClassProtocol {
		t.Fatalf("class = %v, want protocol", got)
	}
}

func TestPubSubNoTopicsIsNoop(t *testing.T) {
	p := NewPubSub(PubSubConfig{}, nil)
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
}
