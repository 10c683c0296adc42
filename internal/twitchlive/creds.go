package twitchlive

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Credentials is the OAuth material the Twitch connectors need. A zero
// ExpiresAt means the expiry is unknown and the gate lets it through.
type Credentials struct {
	UserID    string
	Username  string
	Token     string
	ExpiresAt time.Time
}

func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// IRCToken formats the token the way the chat server wants it.
func (c Credentials) IRCToken() string {
	if strings.HasPrefix(c.Token, "oauth:") {
		return c.Token
	}
	return "oauth:" + c.Token
}

// BearerToken strips the IRC prefix for HTTP and PubSub use.
func (c Credentials) BearerToken() string {
	return strings.TrimPrefix(c.Token, "oauth:")
}

// ReadTokenFile loads an access token from a single-line file, tolerating the
// oauth: prefix either way.
func ReadTokenFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(b))
	return strings.TrimPrefix(line, "oauth:"), nil
}

// WatchTokenFile invokes onChange, debounced, whenever the token file is
// rewritten. Editors and secret managers replace the file, so Remove and
// Rename re-add the watch instead of ending it. The returned func stops the
// watcher.
func WatchTokenFile(path string, onChange func()) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("token watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				onChange()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("token watch error", "err", err)
			}
		}
	}()
	return func() { w.Close() }, nil
}
