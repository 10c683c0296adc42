package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/you/streamfeed/internal/core"
)

type recordingWriter struct {
	mu        sync.Mutex
	events    []core.Event
	failAfter int
	calls     int
}

func (r *recordingWriter) Write(ev core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAfter > 0 && r.calls >= r.failAfter {
		return fmt.Errorf("boom")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingWriter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBufferedWriterBatchFlush(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 2, FlushInterval: time.Hour})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.Write(core.Event{ID: "1"}); err != nil {
		t.Fatalf("write1: %v", err)
	}
	if base.Count() != 0 {
		t.Fatalf("expected no flush yet")
	}
	if err := bw.Write(core.Event{ID: "2"}); err != nil {
		t.Fatalf("write2: %v", err)
	}
	if base.Count() != 2 {
		t.Fatalf("expected batch flush, got %d", base.Count())
	}
}

func TestBufferedWriterFlushInterval(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 10, FlushInterval: 20 * time.Millisecond})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.Write(core.Event{ID: "interval"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if base.Count() != 1 {
		t.Fatalf("expected timer flush, got %d", base.Count())
	}
}

func TestBufferedWriterErrorPropagation(t *testing.T) {
	base := &recordingWriter{failAfter: 1}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 1, FlushInterval: 0})
	defer func() {
		_ = bw.Close()
	}()

	if err := bw.Write(core.Event{ID: "err"}); err == nil {
		t.Fatalf("expected error from underlying writer")
	}
}

func TestWithBusPersistsBeforePublish(t *testing.T) {
	base := &recordingWriter{}
	var published []core.Event
	w := NewWithBus(base, publishFunc(func(ev core.Event) {
		if base.Count() == 0 {
			t.Error("published before persisting")
		}
		published = append(published, ev)
	}))

	if err := w.Write(core.Event{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if len(published) != 1 {
		t.Fatalf("published %d events, want 1", len(published))
	}
}

func TestWithBusSkipsPublishOnError(t *testing.T) {
	base := &recordingWriter{failAfter: 1}
	published := 0
	w := NewWithBus(base, publishFunc(func(core.Event) { published++ }))

	if err := w.Write(core.Event{ID: "a"}); err == nil {
		t.Fatal("expected error")
	}
	if published != 0 {
		t.Fatalf("published %d events after failed write", published)
	}
}

type publishFunc func(core.Event)

func (f publishFunc) Publish(ev core.Event) { f(ev) }
