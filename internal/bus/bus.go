// Package bus holds the transport contracts shared by the event exporter
// and the remote sensor source.
package bus

import (
	"context"
	"time"
)

// Publisher sends one encoded envelope to a subject relative to the
// implementation's prefix.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

type PullConsumer interface {
	// Fetch blocks up to wait, returning up to batch messages. An empty
	// batch with a nil error means nothing arrived in time.
	Fetch(ctx context.Context, batch int, wait time.Duration) ([]Message, error)
}

// Message is a delivered sighting envelope. Term rejects it for good.
type Message interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}
