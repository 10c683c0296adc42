// Package bus is the in-process fanout for canonical events. Subscribers get
// their own buffered channel; a slow subscriber loses its oldest events
// rather than stalling the publishers.
package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/you/streamfeed/internal/core"
)

const defaultBuffer = 256

var droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "streamfeed",
	Subsystem: "bus",
	Name:      "dropped_total",
	Help:      "Events dropped because a subscriber fell behind.",
})

type subscriber struct {
	ch    chan core.Event
	kinds map[core.Kind]struct{} // nil means all kinds
}

func (s *subscriber) wants(k core.Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus fans published events out to subscribers. Publish never blocks.
type Bus struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	buffer int
	closed bool
}

type Options struct {
	// Buffer is the per-subscriber channel depth.
	Buffer int
}

func New(opts Options) *Bus {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe returns a channel of events, optionally narrowed to the given
// kinds, and a cancel func that closes it. No kinds means everything.
func (b *Bus) Subscribe(kinds ...core.Kind) (<-chan core.Event, func()) {
	sub := &subscriber{ch: make(chan core.Event, b.buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[core.Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers to every interested subscriber in subscription order for
// that subscriber. A full buffer sheds the oldest event to make room.
func (b *Bus) Publish(ev core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		for {
			select {
			case sub.ch <- ev:
			default:
				select {
				case <-sub.ch:
					droppedTotal.Inc()
				default:
				}
				continue
			}
			break
		}
	}
}

// Close shuts the bus; all subscriber channels are closed and subsequent
// publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
