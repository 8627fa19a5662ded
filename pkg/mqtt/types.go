// Package mqtt is the device-side MQTT v5 client: a reconnecting session
// with a last will, subscriptions restored after every reconnect, and
// publishing that fails fast while the link is down.
package mqtt

import (
	"context"
	"errors"
)

var (
	// ErrNotStarted is returned by every call made before Start.
	ErrNotStarted = errors.New("mqtt client not started")

	// ErrNotConnected is returned by Publish while the broker is
	// unreachable. Callers drop or retry; nothing is queued.
	ErrNotConnected = errors.New("mqtt broker not connected")
)

// MessageHandler processes one received message. Handlers run on their own
// goroutine, never on the network reader.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client is what the agent needs from a broker connection.
type Client interface {
	// Start begins connecting in the background and returns at once.
	Start(ctx context.Context) error

	// Disconnect closes the session; the broker drops the will.
	Disconnect(ctx context.Context)

	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error

	// Subscribe registers handler for a topic filter. The subscription is
	// restored after every reconnect.
	Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error

	Unsubscribe(ctx context.Context, topic string) error

	// AwaitConnection blocks until the first connection is up or ctx ends.
	AwaitConnection(ctx context.Context) error

	IsConnected() bool
}
