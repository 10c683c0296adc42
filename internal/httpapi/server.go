// Package httpapi is the read surface of the daemon: recent events out of
// the store, a live SSE stream off the bus, health and build info, and the
// Prometheus scrape endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/streamfeed/internal/core"
	"github.com/you/streamfeed/internal/store"
)

type Store interface {
	CountEvents(ctx context.Context, filters store.Filters) (int64, error)
	ListEvents(ctx context.Context, filters store.Filters) ([]core.Event, error)
}

// Feed is the live side; the bus implements it.
type Feed interface {
	Subscribe(kinds ...core.Kind) (<-chan core.Event, func())
}

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type Server struct {
	httpServer *http.Server
	store      Store
	feed       Feed
	opts       Options
}

type Options struct {
	Addr           string
	Build          BuildInfo
	ConfigSnapshot map[string]any
}

func New(st Store, feed Feed, opts Options) *Server {
	srv := &Server{store: st, feed: feed, opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/info", srv.handleInfo)
	mux.HandleFunc("/config", srv.handleConfig)
	mux.HandleFunc("/count", srv.handleCount)
	mux.HandleFunc("/events", srv.handleEvents)
	mux.HandleFunc("/stream", srv.handleStream)
	mux.Handle("/metrics", promhttp.Handler())

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

func (s *Server) Mux() *http.ServeMux {
	return s.httpServer.Handler.(*http.ServeMux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type infoResponse struct {
	Version  string `json:"version"`
	Revision string `json:"rev"`
	BuiltAt  string `json:"built_at,omitempty"`
	Go       string `json:"go"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.opts.ConfigSnapshot)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	filters, err := ParseFilters(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := s.store.CountEvents(r.Context(), filters)
	if err != nil {
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"count": count})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filters, err := ParseFilters(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.ListEvents(r.Context(), filters)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(rows)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	var kinds []core.Kind
	for _, k := range r.URL.Query()["kind"] {
		kinds = append(kinds, core.Kind(k))
	}
	events, cancel := s.feed.Subscribe(kinds...)
	defer cancel()

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
