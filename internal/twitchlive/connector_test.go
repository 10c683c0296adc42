package twitchlive

import (
	"context"
	"sync"
	"testing"
	"time"

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

func TestConnectRefusesExpiredCredentials(t *testing.T) {
	sink := &recordingSink{}
	reauth := 0
	c := New(Config{
		Channel: "somechannel",
		Creds: func() (Credentials, error) {
			return Credentials{
				Username:  "bot",
				Token:     "oauth:stale",
				ExpiresAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			}, nil
		},
		OnAuthExpired: func() { reauth++ },
	}, &fakeIdentity{}, sink)
	c.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.fatal) != 1 {
		t.Fatalf("fatal errors = %d, want 1", len(sink.fatal))
	}
	if got := connector.ClassOf(sink.fatal[0]); got != connector.ClassAuthExpired {
		t.Fatalf("class = %v, want auth expired", got)
	}
	if reauth != 1 {
		t.Fatalf("reauth hook ran %d times, want 1", reauth)
	}

	// the gate never attached, so Disconnect has nothing to tear down
	c.Disconnect()
	if len(sink.events) != 0 || len(sink.errs) != 0 {
		t.Fatalf("no events expected, got %d events %d errors", len(sink.events), len(sink.errs))
	}
}

func TestConnectUnknownExpiryPasses(t *testing.T) {
	creds := Credentials{Username: "bot", Token: "fresh"}
	if creds.Expired(time.Now()) {
		t.Fatal("zero expiry must not count as expired")
	}
}

func TestCredentialsTokenForms(t *testing.T) {
	c := Credentials{Token: "abc"}
	if c.IRCToken() != "oauth:abc" {
		t.Fatalf("irc token = %q", c.IRCToken())
	}
	if c.BearerToken() != "abc" {
		t.Fatalf("bearer token = %q", c.BearerToken())
	}

	c = Credentials{Token: "oauth:abc"}
	if c.IRCToken() != "oauth:abc" || c.BearerToken() != "abc" {
		t.Fatalf("prefixed token mishandled: %q %q", c.IRCToken(), c.BearerToken())
	}
}
