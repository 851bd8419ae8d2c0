// Package scan turns a live stream of advertisement sightings into a
// deduplicated set of device tracks, one scan session at a time.
package scan

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bluescan/internal/ble"
	"bluescan/internal/collection"
	"bluescan/internal/dispatch"
	"bluescan/internal/timeutil"
	"bluescan/internal/track"
)

var (
	ErrInvalidState = errors.New("scan: invalid state")
	ErrSourceFailed = errors.New("scan: source failed")
	ErrNoPersister  = errors.New("scan: no persister configured")
)

const (
	DefaultTimeout    = 600 * time.Second
	DefaultMaxDevices = 512
	DefaultStopGrace  = 2 * time.Second
)

// Source delivers sightings to onSighting until ctx is cancelled, the
// stream ends (nil error) or the radio fails. onSighting may be called
// from any goroutine.
type Source interface {
	Scan(ctx context.Context, onSighting func(ble.Sighting)) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, onSighting func(ble.Sighting)) error

func (f SourceFunc) Scan(ctx context.Context, onSighting func(ble.Sighting)) error {
	return f(ctx, onSighting)
}

// Persister stores captured device records.
type Persister interface {
	Save(ctx context.Context, recs []Record) error
}

type Config struct {
	Source Source
	Clock  timeutil.Clock
	Logger *zap.Logger
	// Sink delivers observer callbacks. Nil runs them inline, while the
	// aggregator is locked; inline observers must not call back into it.
	Sink      dispatch.Sink
	Persister Persister

	Timeout    time.Duration
	MaxDevices int
	Track      track.Options
	Services   []uuid.UUID
	StopGrace  time.Duration
}

type Aggregator struct {
	src   Source
	clock timeutil.Clock
	log   *zap.Logger
	sink  dispatch.Sink
	store Persister
	grace time.Duration
	topt  track.Options

	mu           sync.Mutex
	state        State
	gen          uint64
	session      uuid.UUID
	startedAt    time.Time
	timeout      time.Duration
	defTimeout   time.Duration
	services     []uuid.UUID
	cancel       context.CancelFunc
	done         chan struct{}
	timer        timeutil.Timer
	lastErr      error
	tracks       map[ble.Identity]*track.Track
	devices      *collection.Bounded[*track.Track]
	dropped      int
	observers    map[int64]func(Event)
	nextObserver int64

	// live mirrors gen for deliveries that run off the lock.
	live atomic.Uint64

	subMu sync.Mutex
	subs  map[int64]chan struct{}
	subID atomic.Int64
}

func New(cfg Config) (*Aggregator, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("scan: nil source")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxDevices == 0 {
		cfg.MaxDevices = DefaultMaxDevices
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	devices, err := collection.NewBounded[*track.Track](cfg.MaxDevices)
	if err != nil {
		return nil, fmt.Errorf("scan: max devices: %w", err)
	}
	a := &Aggregator{
		src:        cfg.Source,
		clock:      cfg.Clock,
		log:        cfg.Logger,
		sink:       dispatch.OrInline(cfg.Sink),
		store:      cfg.Persister,
		grace:      cfg.StopGrace,
		topt:       cfg.Track,
		defTimeout: cfg.Timeout,
		services:   slices.Clone(cfg.Services),
		tracks:     map[ble.Identity]*track.Track{},
		devices:    devices,
		observers:  map[int64]func(Event){},
		subs:       map[int64]chan struct{}{},
	}
	// Structural changes and per-track updates both wake Changes readers.
	devices.Subscribe(func(collection.Event[*track.Track]) { a.signal() })
	return a, nil
}

// Start begins a session that stops by itself after timeout. A
// non-positive timeout uses the configured default. Start fails with
// ErrInvalidState while a session is active.
//
// A source that ignores cancellation past the stop grace period may still
// be running its previous Scan when the next session starts. Its callbacks
// carry the old generation and are discarded, so only the current session
// feeds tracks and events.
func (a *Aggregator) Start(timeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Scanning {
		return fmt.Errorf("%w: already scanning", ErrInvalidState)
	}
	a.startLocked(timeout)
	return nil
}

func (a *Aggregator) startLocked(timeout time.Duration) {
	if timeout <= 0 {
		timeout = a.defTimeout
	}
	a.gen++
	a.live.Store(a.gen)
	gen := a.gen
	a.state = Scanning
	a.session = uuid.New()
	a.startedAt = a.clock.Now()
	a.timeout = timeout
	a.lastErr = nil
	a.dropped = 0
	clear(a.tracks)
	a.devices.Clear()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancel, a.done = cancel, done
	a.timer = a.clock.AfterFunc(timeout, func() { a.expire(gen) })

	services := slices.Clone(a.services)
	go a.run(ctx, gen, done, services)

	a.log.Info("scan started",
		zap.String("session", a.session.String()),
		zap.Duration("timeout", timeout),
		zap.Int("service_filter", len(services)))
	a.emitLocked(Event{Kind: ScanStarted})
}

func (a *Aggregator) run(ctx context.Context, gen uint64, done chan struct{}, services []uuid.UUID) {
	err := a.src.Scan(ctx, func(s ble.Sighting) { a.handle(gen, services, s) })
	close(done)
	a.finished(gen, err)
}

func (a *Aggregator) handle(gen uint64, services []uuid.UUID, s ble.Sighting) {
	if !s.Advertises(services) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || a.state != Scanning {
		return
	}
	if s.At.IsZero() {
		s.At = a.clock.Now()
	}

	if t, ok := a.tracks[s.ID]; ok {
		if err := t.Observe(s); err != nil {
			a.log.Error("track update", zap.Error(err))
			return
		}
		snap := t.Snapshot()
		a.emitLocked(Event{Kind: DeviceUpdated, Device: &snap})
		return
	}

	if len(a.tracks) >= a.devices.Cap() {
		a.dropped++
		a.log.Debug("device table full, sighting dropped",
			zap.String("address", s.ID.Address()),
			zap.Int("max_devices", a.devices.Cap()))
		return
	}
	t, err := track.FromSighting(s, a.topt)
	if err != nil {
		a.log.Error("track create", zap.String("address", s.ID.Address()), zap.Error(err))
		return
	}
	a.tracks[s.ID] = t
	a.devices.Append(t)
	snap := t.Snapshot()
	a.emitLocked(Event{Kind: DeviceAdded, Device: &snap})
}

func (a *Aggregator) finished(gen uint64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || a.state != Scanning {
		return
	}
	a.endLocked()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.lastErr = fmt.Errorf("%w: %w", ErrSourceFailed, err)
		a.log.Warn("scan source failed", zap.String("session", a.session.String()), zap.Error(err))
		a.emitLocked(Event{Kind: ScanFailed, Err: a.lastErr})
		return
	}
	a.log.Info("scan source completed", zap.String("session", a.session.String()))
	a.emitLocked(Event{Kind: ScanStopped, Reason: ReasonCompleted})
}

func (a *Aggregator) expire(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.state != Scanning {
		a.mu.Unlock()
		return
	}
	done := a.stopLocked(ReasonTimeout)
	a.mu.Unlock()
	a.await(done)
}

// Stop ends the active session and returns once the source has let go of
// its stream, or the stop grace period has passed. No device events from
// the stopped session are delivered after Stop returns, including ones
// already queued on the Sink; a callback that was running when Stop was
// called finishes. Stopping an idle aggregator is a no-op.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if a.state != Scanning {
		a.mu.Unlock()
		return
	}
	done := a.stopLocked(ReasonStopped)
	a.mu.Unlock()
	a.await(done)
}

// Restart tears the active session down completely, then starts a new one.
func (a *Aggregator) Restart(timeout time.Duration) error {
	a.mu.Lock()
	if a.state == Scanning {
		done := a.stopLocked(ReasonSuperseded)
		a.mu.Unlock()
		a.await(done)
		a.mu.Lock()
	}
	defer a.mu.Unlock()
	if a.state == Scanning {
		return fmt.Errorf("%w: started concurrently", ErrInvalidState)
	}
	a.startLocked(timeout)
	return nil
}

// SetTimeout changes the default session timeout. An active session is
// restarted so the new bound applies.
func (a *Aggregator) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: timeout %s", collection.ErrInvalidArgument, d)
	}
	a.mu.Lock()
	changed := a.defTimeout != d
	a.defTimeout = d
	scanning := a.state == Scanning
	a.mu.Unlock()
	if changed && scanning {
		return a.Restart(d)
	}
	return nil
}

// SetServices restricts the next session to sightings advertising one of
// the given services. An empty set disables filtering.
func (a *Aggregator) SetServices(services []uuid.UUID) {
	a.mu.Lock()
	a.services = slices.Clone(services)
	a.mu.Unlock()
}

func (a *Aggregator) stopLocked(reason StopReason) chan struct{} {
	done := a.done
	a.endLocked()
	a.log.Info("scan stopped",
		zap.String("session", a.session.String()),
		zap.String("reason", string(reason)),
		zap.Int("devices", len(a.tracks)))
	a.emitLocked(Event{Kind: ScanStopped, Reason: reason})
	return done
}

// endLocked moves to Idle. Bumping gen discards late callbacks from the
// old session.
func (a *Aggregator) endLocked() {
	a.state = Idle
	a.gen++
	a.live.Store(a.gen)
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.done = nil
}

func (a *Aggregator) await(done chan struct{}) {
	if done == nil {
		return
	}
	t := time.NewTimer(a.grace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		a.log.Warn("scan source did not stop within grace period", zap.Duration("grace", a.grace))
	}
}

// Subscribe registers fn for every event and returns a function that
// removes it. Events of one aggregator are delivered in order.
func (a *Aggregator) Subscribe(fn func(Event)) (cancel func()) {
	a.mu.Lock()
	a.nextObserver++
	id := a.nextObserver
	a.observers[id] = fn
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.observers, id)
			a.mu.Unlock()
		})
	}
}

func (a *Aggregator) emitLocked(ev Event) {
	ev.Session = a.session
	ev.At = a.clock.Now()
	if ev.Kind != DeviceAdded && ev.Kind != DeviceUpdated {
		a.signal()
	}
	if len(a.observers) == 0 {
		return
	}
	ids := make([]int64, 0, len(a.observers))
	for id := range a.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), len(ids))
	for i, id := range ids {
		fns[i] = a.observers[id]
	}
	device := ev.Kind == DeviceAdded || ev.Kind == DeviceUpdated
	gen := a.gen
	a.sink.Post(func() {
		for _, fn := range fns {
			// Device events queued before the session ended are dropped;
			// state events are always delivered.
			if device && a.live.Load() != gen {
				return
			}
			fn(ev)
		}
	})
}

// Changes emits a coalesced signal whenever devices or the session state
// change. The channel closes when ctx is done.
func (a *Aggregator) Changes(ctx context.Context) <-chan struct{} {
	id := a.subID.Add(1)
	ch := make(chan struct{}, 1)

	a.subMu.Lock()
	a.subs[id] = ch
	a.subMu.Unlock()

	go func() {
		<-ctx.Done()
		a.subMu.Lock()
		delete(a.subs, id)
		close(ch)
		a.subMu.Unlock()
	}()
	return ch
}

func (a *Aggregator) signal() {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{State: a.state, Devices: len(a.tracks)}
	if a.session != uuid.Nil {
		st.Session = a.session.String()
		st.StartedAt = a.startedAt
		st.Timeout = a.timeout.String()
	}
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
	}
	return st
}

// Devices returns snapshots in list order: first seen, unless re-sorted
// by SortDevices.
func (a *Aggregator) Devices() []track.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]track.Snapshot, 0, a.devices.Len())
	for _, t := range a.devices.All() {
		out = append(out, t.Snapshot())
	}
	return out
}

// Device returns the snapshot for an identity tracked in the current or
// most recent session.
func (a *Aggregator) Device(id ble.Identity) (track.Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tracks[id]
	if !ok {
		return track.Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Dropped counts sightings of new devices rejected because the table was
// full during the current session.
func (a *Aggregator) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Capture hands every tracked device to the persister and returns how
// many were saved. Tracks survive Stop, so a finished session can still
// be captured.
func (a *Aggregator) Capture(ctx context.Context) (int, error) {
	if a.store == nil {
		return 0, ErrNoPersister
	}
	now := a.clock.Now()
	a.mu.Lock()
	recs := make([]Record, 0, a.devices.Len())
	for _, t := range a.devices.All() {
		id := t.Identity()
		recs = append(recs, Record{ID: id.String(), Address: id.Address(), Name: t.Name(), CapturedAt: now})
	}
	a.mu.Unlock()
	if len(recs) == 0 {
		return 0, nil
	}
	if err := a.store.Save(ctx, recs); err != nil {
		return 0, fmt.Errorf("scan: capture: %w", err)
	}
	a.log.Info("devices captured", zap.Int("count", len(recs)))
	return len(recs), nil
}
