package notify

import (
	"context"

	"github.com/deepbin/backend/internal/events"
)

// Bridge decorates an events.Emitter: lifecycle events pass through
// unchanged, and terminal ones additionally fan out to the owner's
// registered endpoints. Progress chatter never leaves the building.
type Bridge struct {
	inner      events.Emitter
	dispatcher Dispatcher
}

var _ events.Emitter = (*Bridge)(nil)

func NewBridge(inner events.Emitter, d Dispatcher) *Bridge {
	return &Bridge{inner: inner, dispatcher: d}
}

func (b *Bridge) Emit(ctx context.Context, event *events.Event) {
	b.inner.Emit(ctx, event)

	switch event.Kind {
	case events.KindCompleted, events.KindFailed:
		data := map[string]interface{}{"jobId": event.JobID}
		for k, v := range event.Data {
			data[k] = v
		}
		b.dispatcher.Dispatch(event.Owner, string(event.Kind), data)
	}
}

func (b *Bridge) Close() error {
	b.dispatcher.Shutdown()
	return b.inner.Close()
}
