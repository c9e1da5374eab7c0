package stratum

import "time"

// EventKind identifies one of the telemetry hooks a Connection emits.
// Spec.md §4.5 lists these as the full set; there is no other event kind.
type EventKind int

const (
	EventOpening EventKind = iota
	EventOpened
	EventOpeningFailed
	EventClosing
	EventClosed
	EventFailed
	EventSendingMessages
	EventSentMessages
	EventSendingMessagesFailed
	EventReceivingMessage
	EventReceivedMessage
	EventReceivingMessageFailed
)

// Event is a pure-data record handed to whatever sink is subscribed for
// its Kind. Not every field is populated for every kind: Duration is set on
// EventOpened, EventOpeningFailed and EventClosed, ByteCount on
// EventSentMessages and EventReceivedMessage, RequestIDs on send events,
// ResponseTo on receive events, Err on the failure events.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Duration     time.Duration
	ByteCount    int
	RequestIDs   []int32
	ResponseTo   int32
	Err          error
}

// EventSink receives one Event. Sinks must not block for long: they run
// inline on the goroutine that triggered the event.
type EventSink func(Event)

// EventSubscriber resolves a sink for an EventKind, the way the teacher's
// Handler/ConnStateHandler function-value interfaces resolve a single
// callback without a virtual dispatch hierarchy (spec.md §9). A missing
// sink is a silent no-op — the caller is never required to implement every
// kind.
type EventSubscriber interface {
	TryGetHandler(kind EventKind) EventSink
}

// EventSubscriberFunc adapts a plain function to EventSubscriber.
type EventSubscriberFunc func(kind EventKind) EventSink

func (f EventSubscriberFunc) TryGetHandler(kind EventKind) EventSink { return f(kind) }

// NoopEventSubscriber never returns a sink; it is the default when a
// Connection is built without explicit telemetry.
var NoopEventSubscriber EventSubscriberFunc = func(EventKind) EventSink { return nil }

func emit(sub EventSubscriber, e Event) {
	if sub == nil {
		return
	}
	if sink := sub.TryGetHandler(e.Kind); sink != nil {
		sink(e)
	}
}

// SinksFrom builds an EventSubscriber from a kind->sink map, for callers
// that would rather declare a handful of hooks as a literal than implement
// the interface by hand.
func SinksFrom(sinks map[EventKind]EventSink) EventSubscriber {
	return EventSubscriberFunc(func(kind EventKind) EventSink {
		return sinks[kind]
	})
}
