package store

import "github.com/you/streamfeed/internal/core"

type broadcaster interface {
	Publish(core.Event)
}

// WithBus persists first, then announces. Downstream subscribers only ever
// see events that made it to disk.
type WithBus struct {
	Writer
	bus broadcaster
}

func NewWithBus(base Writer, bus broadcaster) *WithBus {
	return &WithBus{Writer: base, bus: bus}
}

func (w *WithBus) Write(ev core.Event) error {
	if err := w.Writer.Write(ev); err != nil {
		return err
	}
	if w.bus != nil {
		w.bus.Publish(ev)
	}
	return nil
}
