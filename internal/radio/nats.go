package radio

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bluescan/internal/ble"
	"bluescan/internal/bus"
	"bluescan/internal/events"
)

// NATSSource consumes sighting envelopes published by remote sensors.
type NATSSource struct {
	consumer bus.PullConsumer
	schema   *events.Schema
	log      *zap.Logger
	batch    int
	wait     time.Duration
	// maxFailures consecutive fetch errors end the scan.
	maxFailures int
}

type NATSConfig struct {
	Consumer    bus.PullConsumer
	Schema      *events.Schema
	Logger      *zap.Logger
	Batch       int
	Wait        time.Duration
	MaxFailures int
}

func NewNATSSource(cfg NATSConfig) *NATSSource {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 256
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	return &NATSSource{
		consumer:    cfg.Consumer,
		schema:      cfg.Schema,
		log:         cfg.Logger,
		batch:       cfg.Batch,
		wait:        cfg.Wait,
		maxFailures: cfg.MaxFailures,
	}
}

func (s *NATSSource) Scan(ctx context.Context, on func(ble.Sighting)) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := s.consumer.Fetch(ctx, s.batch, s.wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			s.log.Warn("sensor fetch failed", zap.Int("attempt", failures), zap.Error(err))
			if failures >= s.maxFailures {
				return fmt.Errorf("radio: nats fetch: %w", err)
			}
			continue
		}
		failures = 0
		for _, m := range msgs {
			sg, err := s.schema.DecodeSighting(m.Data())
			if err != nil {
				s.log.Debug("dropping sensor message", zap.Error(err))
				_ = m.Term()
				continue
			}
			on(sg)
			_ = m.Ack()
		}
	}
}
