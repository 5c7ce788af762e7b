// Package event carries cross-module notifications: device hot-plug, node
// table changes, error codes and state changes are published here and
// observed by whatever user-visible surface the embedding application has.
// The protocol stack itself never performs direct output.
package event

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/openrail/go-bidib/bidib"
)

// Kind classifies an event.
type Kind uint8

const (
	// NodeNew is published when a device joins the tree.
	NodeNew Kind = iota + 1
	// NodeLost is published when a device is removed from the tree.
	NodeLost
	// NodeChanged is published on any node-table membership change.
	NodeChanged
	// ErrorReport carries a protocol error code observed on the bus.
	ErrorReport
	// BoosterState carries a booster on/off/diagnostic change.
	BoosterState
	// FeedbackChange carries an occupancy bit change.
	FeedbackChange
	// ControlChange is published when a network session gains or loses control.
	ControlChange
)

func (k Kind) String() string {
	switch k {
	case NodeNew:
		return "node-new"
	case NodeLost:
		return "node-lost"
	case NodeChanged:
		return "node-changed"
	case ErrorReport:
		return "error"
	case BoosterState:
		return "booster-state"
	case FeedbackChange:
		return "feedback-change"
	case ControlChange:
		return "control-change"
	default:
		return "unknown"
	}
}

// Event is one notification. Which fields are meaningful depends on Kind.
type Event struct {
	Kind Kind
	UID  bidib.UID
	Addr bidib.Address
	Code uint8 // error code or state value
}

// Bus is a small fan-out hub. Publishing never blocks: a subscriber whose
// buffer is full loses the oldest event, which matches the collaborator
// contract that observers tolerate missed intermediate states.
type Bus struct {
	subs *xsync.MapOf[uint64, *subscriber]
	next *xsync.Counter
}

type subscriber struct {
	kinds map[Kind]struct{} // nil = all kinds
	ch    chan Event
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs: xsync.NewMapOf[uint64, *subscriber](),
		next: xsync.NewCounter(),
	}
}

// Subscribe registers a new subscriber for the given kinds (all kinds when
// none are named) and returns its channel plus an unsubscribe function.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.next.Inc()
	id := uint64(b.next.Value()) //nolint:gosec // monotonically increasing
	b.subs.Store(id, sub)

	return sub.ch, func() { b.subs.Delete(id) }
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.subs.Range(func(_ uint64, sub *subscriber) bool {
		if sub.kinds != nil {
			if _, ok := sub.kinds[ev.Kind]; !ok {
				return true
			}
		}

		select {
		case sub.ch <- ev:
			return true
		default:
		}

		// Full buffer: drop the oldest event and retry once. If another
		// publisher raced us into the freed slot, this event is lost.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}

		return true
	})
}
