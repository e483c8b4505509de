// Package bus wraps Azure Service Bus behind small interfaces. The workers
// depend on Subscriber/SessionReceiver/Sender only, so processing logic is
// testable with in-memory fakes.
//
// Session semantics: a topic message carries a session id, the broker
// delivers messages of one session in FIFO order to exactly one accepted
// receiver at a time, and settlement is explicit. Parallelism is across
// sessions, never within one.
package bus

import (
	"context"
	"errors"
)

// ErrNoSessions is returned by NextSession when no session with available
// messages became ready within the client's wait window. Callers loop.
var ErrNoSessions = errors.New("bus: no sessions available")

// Message is one bus message. For received messages the settlement handle
// stays with the SessionReceiver that delivered it.
type Message struct {
	Body          []byte
	MessageID     string
	SessionID     string
	DeliveryCount uint32

	receipt any
}

// SessionReceiver delivers the messages of exactly one session, in order.
type SessionReceiver interface {
	// SessionID identifies the accepted session.
	SessionID() string
	// Receive returns the next message of the session, or an error when the
	// session went idle or the lock was lost.
	Receive(ctx context.Context) (*Message, error)
	// Complete removes the message from the subscription.
	Complete(ctx context.Context, msg *Message) error
	// Abandon releases the message lock so the broker redelivers it.
	Abandon(ctx context.Context, msg *Message) error
	// Close releases the session lock.
	Close(ctx context.Context) error
}

// Subscriber hands out session receivers for a subscription.
type Subscriber interface {
	// NextSession blocks until a session with pending messages is available
	// and returns an exclusive receiver for it, or ErrNoSessions on a wait
	// timeout.
	NextSession(ctx context.Context) (SessionReceiver, error)
	Close(ctx context.Context) error
}

// Sender publishes messages to one topic.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	Close(ctx context.Context) error
}
