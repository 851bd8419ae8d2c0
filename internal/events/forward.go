package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bluescan/internal/bus"
	"bluescan/internal/scan"
	"bluescan/internal/storage/repo"
)

type ForwarderConfig struct {
	Schema *Schema
	Logger *zap.Logger
	// Journal, when set, keeps a local copy of every envelope.
	Journal repo.Events
	Buffer  int
}

// Forwarder exports aggregator events. Observe never blocks: envelopes
// are queued and published by Run, and dropped when the queue is full.
type Forwarder struct {
	schema  *Schema
	log     *zap.Logger
	journal repo.Events
	queue   chan Encoded

	mu      sync.RWMutex
	primary bus.Publisher
	mirror  bus.Publisher

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	return &Forwarder{
		schema:  cfg.Schema,
		log:     cfg.Logger,
		journal: cfg.Journal,
		queue:   make(chan Encoded, cfg.Buffer),
	}
}

// SetPublisher swaps the subject-addressed bus (NATS). Nil detaches it.
func (f *Forwarder) SetPublisher(p bus.Publisher) {
	f.mu.Lock()
	f.primary = p
	f.mu.Unlock()
}

// SetMirror swaps the topic-addressed mirror (MQTT). Device events reach
// it with the address appended as a final subject token.
func (f *Forwarder) SetMirror(p bus.Publisher) {
	f.mu.Lock()
	f.mirror = p
	f.mu.Unlock()
}

func (f *Forwarder) Observe(ev scan.Event) {
	enc, err := f.schema.EncodeScanEvent(ev)
	if err != nil {
		f.log.Warn("encode scan event", zap.String("kind", ev.Kind.String()), zap.Error(err))
		return
	}
	select {
	case f.queue <- enc:
	default:
		if f.dropped.Add(1)%100 == 1 {
			f.log.Warn("event queue full, dropping", zap.Int64("dropped", f.dropped.Load()))
		}
	}
}

// Run publishes queued envelopes until ctx is done.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case enc := <-f.queue:
			f.publish(ctx, enc)
		}
	}
}

func (f *Forwarder) publish(ctx context.Context, enc Encoded) {
	f.mu.RLock()
	primary, mirror := f.primary, f.mirror
	f.mu.RUnlock()

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ok := true
	if primary != nil {
		if err := primary.Publish(pctx, enc.Subject, enc.Data); err != nil {
			ok = false
			f.log.Debug("publish", zap.String("subject", enc.Subject), zap.Error(err))
		}
	}
	if mirror != nil {
		subject := enc.Subject
		if enc.Key != "" {
			subject += "." + enc.Key
		}
		if err := mirror.Publish(pctx, subject, enc.Data); err != nil {
			ok = false
			f.log.Debug("mirror publish", zap.String("subject", subject), zap.Error(err))
		}
	}
	if f.journal != nil {
		if err := f.journal.InsertEvent(pctx, time.Now().UTC(), enc.Subject, enc.Key, enc.Data); err != nil {
			ok = false
			f.log.Warn("journal insert", zap.Error(err))
		}
	}
	if ok {
		f.published.Add(1)
	} else {
		f.failed.Add(1)
	}
}

type ForwarderStats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
	Queued    int   `json:"queued"`
}

func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Published: f.published.Load(),
		Dropped:   f.dropped.Load(),
		Failed:    f.failed.Load(),
		Queued:    len(f.queue),
	}
}
