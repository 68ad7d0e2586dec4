package outbox

import "context"

// Message is one confirmation task ready for the broker. Key is the
// reservation id so that tasks for one reservation stay ordered.
type Message struct {
	Key   string
	Value []byte
}

// Publisher hands a batch of messages to the broker. A nil error means every
// message was accepted.
type Publisher interface {
	Publish(ctx context.Context, messages []Message) error
	Close() error
}
