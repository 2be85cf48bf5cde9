package stream

import "context"

// Bus forwards events to an external transport so that other kernel nodes
// can react to policy changes. Implementations must tolerate redelivery;
// consumers deduplicate on Event.ID.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NoopBus discards every event. Used when the kernel runs as a single node.
type NoopBus struct{}

func (NoopBus) Publish(context.Context, Event) error { return nil }
func (NoopBus) Close() error                         { return nil }
