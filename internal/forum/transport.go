package forum

import (
	"context"

	"github.com/converso-app/converso/backend/internal/realtime"
)

// Transport abstracts the pub/sub channel consumed by forum services:
// scope-filtered event subscription plus event publication after store
// writes. The in-process dispatcher is the production implementation; tests
// substitute failing transports to exercise retry paths.
type Transport interface {
	Subscribe(ctx context.Context, scope string, types ...realtime.EventType) (<-chan realtime.Event, func(), error)
	Publish(event realtime.Event)
}

type dispatcherTransport struct {
	dispatcher *realtime.Dispatcher
}

// DispatcherTransport adapts the realtime dispatcher to the Transport
// contract. Subscription on an in-process dispatcher cannot fail.
func DispatcherTransport(dispatcher *realtime.Dispatcher) Transport {
	return dispatcherTransport{dispatcher: dispatcher}
}

func (t dispatcherTransport) Subscribe(ctx context.Context, scope string, types ...realtime.EventType) (<-chan realtime.Event, func(), error) {
	stream, cancel := t.dispatcher.Subscribe(ctx, scope, types...)
	return stream, cancel, nil
}

func (t dispatcherTransport) Publish(event realtime.Event) {
	t.dispatcher.Publish(event)
}
