// Package radio provides sighting sources for the scan aggregator: JSON
// lines from a sniffer dongle or a replay file, remote sensors over NATS,
// and the host Bluetooth adapter.
package radio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"bluescan/internal/ble"
	"bluescan/internal/timeutil"
)

// Opener opens the byte stream a LineSource reads from.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// LineSource decodes one JSON sighting per line. Blank lines and lines
// starting with '#' are skipped; malformed lines are logged and skipped.
type LineSource struct {
	name     string
	open     Opener
	clock    timeutil.Clock
	log      *zap.Logger
	interval time.Duration
	loop     bool

	malformed atomic.Int64
}

type LineOption func(*LineSource)

func WithClock(c timeutil.Clock) LineOption { return func(s *LineSource) { s.clock = c } }

func WithLogger(l *zap.Logger) LineOption { return func(s *LineSource) { s.log = l } }

// WithInterval paces delivery: one line per interval.
func WithInterval(d time.Duration) LineOption { return func(s *LineSource) { s.interval = d } }

// WithLoop reopens the stream at EOF until ctx is done.
func WithLoop(loop bool) LineOption { return func(s *LineSource) { s.loop = loop } }

func NewLineSource(name string, open Opener, opts ...LineOption) *LineSource {
	s := &LineSource{name: name, open: open, clock: timeutil.RealClock{}, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(zap.String("source", name))
	return s
}

// NewReplaySource replays a fixture file.
func NewReplaySource(path string, opts ...LineOption) *LineSource {
	return NewLineSource("replay:"+path, func(context.Context) (io.ReadCloser, error) {
		return os.Open(path)
	}, opts...)
}

// NewSerialSource reads a sniffer dongle on a serial port.
func NewSerialSource(port string, baud int, opts ...LineOption) *LineSource {
	return NewLineSource("serial:"+port, func(context.Context) (io.ReadCloser, error) {
		return serial.Open(port, &serial.Mode{BaudRate: baud})
	}, opts...)
}

// Malformed counts skipped lines since the source was created.
func (s *LineSource) Malformed() int64 { return s.malformed.Load() }

func (s *LineSource) Scan(ctx context.Context, on func(ble.Sighting)) error {
	for {
		rc, err := s.open(ctx)
		if err != nil {
			return fmt.Errorf("radio: open %s: %w", s.name, err)
		}
		if err := s.read(ctx, rc, on); err != nil {
			return err
		}
		if !s.loop {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// read delivers lines until EOF or ctx is done. The reader is closed on
// return, which also unblocks the scanning goroutine.
func (s *LineSource) read(ctx context.Context, rc io.ReadCloser, on func(ble.Sighting)) error {
	defer rc.Close()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(rc)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 || line[0] == '#' {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			scanErr <- err
		}
	}()

	var pace *time.Ticker
	if s.interval > 0 {
		pace = time.NewTicker(s.interval)
		defer pace.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return fmt.Errorf("radio: read %s: %w", s.name, err)
				default:
					return nil
				}
			}
			sg, err := ble.DecodeLine(line, s.clock.Now())
			if err != nil {
				s.malformed.Add(1)
				s.log.Debug("skipping line", zap.Error(err))
				continue
			}
			on(sg)
			if pace != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-pace.C:
				}
			}
		}
	}
}
