// Package repo declares the persistence contracts the scan service
// depends on. Implementations live in sibling packages.
package repo

import (
	"context"
	"time"

	"bluescan/internal/scan"
)

// Capture is a saved device record.
type Capture struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	Address    string    `json:"address"`
	Name       string    `json:"name"`
	CapturedAt time.Time `json:"captured_at"`
}

// Event is one exported envelope kept in the local journal.
type Event struct {
	ID        int64     `json:"id"`
	TS        time.Time `json:"ts"`
	Subject   string    `json:"subject"`
	Address   string    `json:"address,omitempty"`
	PayloadPB []byte    `json:"-"`
}

type Captures interface {
	Save(ctx context.Context, recs []scan.Record) error
	List(ctx context.Context) ([]Capture, error)
	Clear(ctx context.Context) (int64, error)
	// Drain hands each capture to fn in insertion order and deletes it
	// once fn succeeds. It stops at the first error.
	Drain(ctx context.Context, fn func(context.Context, Capture) error) (int, error)
}

type Events interface {
	InsertEvent(ctx context.Context, ts time.Time, subject, address string, payloadPB []byte) error
}
