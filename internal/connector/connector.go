package connector

import (
	"context"

	"github.com/you/streamfeed/internal/core"
)

// Sink receives everything a connector produces. Publish is called in
// emission order from a single goroutine per connector; implementations must
// not block for long or they stall that connector's pipeline.
type Sink interface {
	Publish(ev core.Event)
	Error(err error)
	FatalError(err error)
}

// Connector owns one platform's live connection and event translation.
// Connect starts the connection machinery and returns once it is running;
// failures after that surface through the Sink. Disconnect stops automatic
// reconnection, tears the connection down, and only returns once no further
// events will be delivered.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
}

// SinkFuncs adapts plain functions to a Sink. Nil funcs are no-ops.
type SinkFuncs struct {
	PublishFunc    func(core.Event)
	ErrorFunc      func(error)
	FatalErrorFunc func(error)
}

func (s SinkFuncs) Publish(ev core.Event) {
	if s.PublishFunc != nil {
		s.PublishFunc(ev)
	}
}

func (s SinkFuncs) Error(err error) {
	if s.ErrorFunc != nil {
		s.ErrorFunc(err)
	}
}

func (s SinkFuncs) FatalError(err error) {
	if s.FatalErrorFunc != nil {
		s.FatalErrorFunc(err)
	}
}
