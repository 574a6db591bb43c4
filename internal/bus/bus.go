// Package bus is the single-producer, many-subscriber event fanout the
// Expiry Sweeper publishes session lifecycle events on. Out-of-process
// transports (AMQP, NATS, ...) are out of scope; this is the in-process
// channel-fanout implementation, grounded on the teacher's own callback
// registration style in internal/cluster/cluster.go (OnPeerJoin/OnPeerLeave)
// generalized from "register a func" to "register a channel".
package bus

import (
	"context"
	"log/slog"
)

// EventKind distinguishes bus event payload shapes.
type EventKind int

const (
	SessionDeleted EventKind = iota
	SessionExpireSoon
)

func (k EventKind) String() string {
	switch k {
	case SessionDeleted:
		return "session_deleted"
	case SessionExpireSoon:
		return "session_expire_soon"
	default:
		return "unknown"
	}
}

// Event is the payload shape shared by SessionDeleted and SessionExpireSoon,
// distinguished by Kind.
type Event struct {
	Kind       EventKind
	UUID       string
	UserUUID   string
	TenantUUID string
}

// Publisher is implemented by anything that can emit bus events; the
// sweeper depends on this interface, not on *Bus, so it can be tested
// against a fake.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Bus is the in-process channel-fanout Publisher. Subscribe before the
// first Publish call you need to observe: subscribers added after an event
// is published never see it.
type Bus struct {
	subscribers []chan Event
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a new channel and returns it. The channel is buffered
// so a slow subscriber cannot block Publish; a full channel drops the event
// and logs a warning instead.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish fans event out to every subscriber. A subscriber with a full
// buffer is skipped, not blocked on.
func (b *Bus) Publish(ctx context.Context, event Event) {
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		case <-ctx.Done():
			return
		default:
			slog.Warn("bus: dropping event, subscriber buffer full", "kind", event.Kind.String(), "uuid", event.UUID)
		}
	}
}
