package scan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluescan/internal/ble"
	"bluescan/internal/collection"
	"bluescan/internal/dispatch"
	"bluescan/internal/timeutil"
)

var (
	t0   = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	devX = ble.IdentityFromMAC([6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	devY = ble.IdentityFromMAC([6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
	devZ = ble.IdentityFromMAC([6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
)

// pushSource hands its callback to the test and blocks until cancelled or
// told to fail.
type pushSource struct {
	mu        sync.Mutex
	emit      func(ble.Sighting)
	started   chan struct{}
	fail      chan error
	ignoreCtx bool
	active    atomic.Int32
	maxActive atomic.Int32
	release   chan struct{}
}

func newPushSource() *pushSource {
	return &pushSource{started: make(chan struct{}, 16), fail: make(chan error, 1), release: make(chan struct{})}
}

func (p *pushSource) Scan(ctx context.Context, on func(ble.Sighting)) error {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		m := p.maxActive.Load()
		if n <= m || p.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	p.mu.Lock()
	p.emit = on
	p.mu.Unlock()
	p.started <- struct{}{}

	if p.ignoreCtx {
		<-p.release
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.fail:
		return err
	}
}

func (p *pushSource) send(id ble.Identity, rssi int) {
	p.mu.Lock()
	emit := p.emit
	p.mu.Unlock()
	emit(ble.Sighting{ID: id, RSSI: rssi})
}

func (p *pushSource) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("source was not started")
	}
}

type recorder struct {
	mu  sync.Mutex
	evs []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.evs))
	for i, ev := range r.evs {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evs[len(r.evs)-1]
}

type memPersister struct {
	mu   sync.Mutex
	recs []Record
	err  error
}

func (m *memPersister) Save(_ context.Context, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, recs...)
	return nil
}

func newTestAggregator(t *testing.T, mutate func(*Config)) (*Aggregator, *pushSource, *timeutil.MockClock, *recorder) {
	t.Helper()
	src := newPushSource()
	clock := timeutil.NewMockClock(t0)
	cfg := Config{Source: src, Clock: clock, StopGrace: time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	rec := &recorder{}
	a.Subscribe(rec.add)
	t.Cleanup(a.Stop)
	return a, src, clock, rec
}

func TestSessionScenario(t *testing.T) {
	a, src, clock, rec := newTestAggregator(t, nil)
	require.Equal(t, Idle, a.State())

	require.NoError(t, a.Start(5*time.Second))
	src.waitStarted(t)
	assert.Equal(t, Scanning, a.State())

	src.send(devX, -60)
	ev := rec.last()
	require.Equal(t, DeviceAdded, ev.Kind)
	require.NotNil(t, ev.Device)
	assert.Equal(t, -60.0, ev.Device.Average)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", ev.Device.Address)

	src.send(devX, -70)
	ev = rec.last()
	require.Equal(t, DeviceUpdated, ev.Kind)
	assert.Equal(t, -65.0, ev.Device.Average)
	assert.Len(t, ev.Device.History, 2)

	clock.Advance(5 * time.Second)
	assert.Equal(t, Idle, a.State())
	ev = rec.last()
	assert.Equal(t, ScanStopped, ev.Kind)
	assert.Equal(t, ReasonTimeout, ev.Reason)

	src.send(devX, -50)
	src.send(devY, -50)
	assert.Equal(t, []EventKind{ScanStarted, DeviceAdded, DeviceUpdated, ScanStopped}, rec.kinds())

	snap, ok := a.Device(devX)
	require.True(t, ok, "tracks survive the end of a session")
	assert.Equal(t, 2, snap.Count)
}

func TestStopIsIdempotent(t *testing.T) {
	a, src, _, rec := newTestAggregator(t, nil)
	a.Stop()
	assert.Empty(t, rec.kinds(), "stop from idle is a no-op")

	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)
	a.Stop()
	a.Stop()
	assert.Equal(t, []EventKind{ScanStarted, ScanStopped}, rec.kinds())
	assert.Equal(t, ReasonStopped, rec.last().Reason)
	assert.Equal(t, int32(0), src.active.Load(), "source released before Stop returns")
}

func TestStopCancelsTimer(t *testing.T) {
	a, src, clock, rec := newTestAggregator(t, nil)
	require.NoError(t, a.Start(5*time.Second))
	src.waitStarted(t)
	a.Stop()
	assert.Zero(t, clock.Pending())
	clock.Advance(time.Minute)
	assert.Equal(t, []EventKind{ScanStarted, ScanStopped}, rec.kinds())
}

func TestStartWhileScanning(t *testing.T) {
	a, src, _, _ := newTestAggregator(t, nil)
	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)
	assert.ErrorIs(t, a.Start(time.Minute), ErrInvalidState)
}

func TestStartClearsPreviousSession(t *testing.T) {
	a, src, _, _ := newTestAggregator(t, nil)
	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)
	src.send(devX, -60)
	first := a.Status().Session
	a.Stop()
	require.Len(t, a.Devices(), 1)

	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)
	assert.Empty(t, a.Devices())
	assert.NotEqual(t, first, a.Status().Session)
}

func TestRestartTearsDownFirst(t *testing.T) {
	a, src, clock, rec := newTestAggregator(t, nil)
	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)
	src.send(devX, -60)

	require.NoError(t, a.Restart(10*time.Second))
	src.waitStarted(t)
	assert.Equal(t, int32(1), src.maxActive.Load(), "never two subscriptions at once")
	assert.Equal(t, []EventKind{ScanStarted, DeviceAdded, ScanStopped, ScanStarted}, rec.kinds())
	assert.Empty(t, a.Devices())
	assert.Equal(t, 1, clock.Pending(), "old timer cancelled, new one armed")

	// Restart from idle just starts.
	a.Stop()
	require.NoError(t, a.Restart(0))
	src.waitStarted(t)
	assert.Equal(t, "10m0s", a.Status().Timeout)
}

func TestRestartStopReason(t *testing.T) {
	a, src, _, rec := newTestAggregator(t, nil)
	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)
	require.NoError(t, a.Restart(time.Minute))
	src.waitStarted(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.evs, 3)
	assert.Equal(t, ReasonSuperseded, rec.evs[1].Reason)
	assert.NotEqual(t, rec.evs[0].Session, rec.evs[2].Session)
}

func TestSourceFailureReturnsToIdle(t *testing.T) {
	a, src, _, rec := newTestAggregator(t, nil)
	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)

	radio := errors.New("adapter powered off")
	src.fail <- radio
	require.Eventually(t, func() bool { return a.State() == Idle }, 2*time.Second, 5*time.Millisecond)

	ev := rec.last()
	assert.Equal(t, ScanFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrSourceFailed)
	assert.ErrorIs(t, ev.Err, radio)
	assert.Contains(t, a.Status().LastError, "adapter powered off")

	// No auto-retry: sightings are ignored until an explicit start.
	src.send(devX, -60)
	assert.Equal(t, []EventKind{ScanStarted, ScanFailed}, rec.kinds())

	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)
	assert.Empty(t, a.Status().LastError)
}

func TestSourceCompletion(t *testing.T) {
	src := SourceFunc(func(_ context.Context, on func(ble.Sighting)) error {
		on(ble.Sighting{ID: devX, RSSI: -40})
		on(ble.Sighting{ID: devY, RSSI: -80})
		return nil
	})
	a, err := New(Config{Source: src, Clock: timeutil.NewMockClock(t0)})
	require.NoError(t, err)
	rec := &recorder{}
	a.Subscribe(rec.add)

	require.NoError(t, a.Start(time.Minute))
	require.Eventually(t, func() bool { return a.State() == Idle }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventKind{ScanStarted, DeviceAdded, DeviceAdded, ScanStopped}, rec.kinds())
	assert.Equal(t, ReasonCompleted, rec.last().Reason)
	assert.Len(t, a.Devices(), 2)
}

func TestMaxDevices(t *testing.T) {
	a, src, _, _ := newTestAggregator(t, func(c *Config) { c.MaxDevices = 2 })
	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)

	src.send(devX, -60)
	src.send(devY, -61)
	src.send(devZ, -62)
	src.send(devX, -70)

	assert.Len(t, a.Devices(), 2)
	assert.Equal(t, 1, a.Dropped())
	_, ok := a.Device(devZ)
	assert.False(t, ok)
	snap, ok := a.Device(devX)
	require.True(t, ok)
	assert.Equal(t, 2, snap.Count)
}

func TestServiceFilter(t *testing.T) {
	heart := uuid.MustParse("0000180d-0000-1000-8000-00805f9b34fb")
	a, src, _, _ := newTestAggregator(t, func(c *Config) { c.Services = []uuid.UUID{heart} })
	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)

	src.mu.Lock()
	emit := src.emit
	src.mu.Unlock()
	emit(ble.Sighting{ID: devX, RSSI: -60})
	emit(ble.Sighting{ID: devY, RSSI: -60, Services: []uuid.UUID{heart}})

	devs := a.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, devY.Address(), devs[0].Address)

	a.SetServices(nil)
	require.NoError(t, a.Restart(time.Minute))
	src.waitStarted(t)
	src.send(devX, -60)
	assert.Len(t, a.Devices(), 1)
}

func TestSortDevices(t *testing.T) {
	a, src, clock, _ := newTestAggregator(t, nil)
	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)

	src.mu.Lock()
	emit := src.emit
	src.mu.Unlock()
	emit(ble.Sighting{ID: devX, Name: "charlie", RSSI: -80})
	clock.Advance(time.Second)
	emit(ble.Sighting{ID: devY, Name: "Alpha", RSSI: -40})
	clock.Advance(time.Second)
	emit(ble.Sighting{ID: devZ, Name: "bravo", RSSI: -60})

	names := func() []string {
		var out []string
		for _, d := range a.Devices() {
			out = append(out, d.Name)
		}
		return out
	}
	assert.Equal(t, []string{"charlie", "Alpha", "bravo"}, names())

	require.NoError(t, a.SortDevices(BySignal))
	assert.Equal(t, []string{"Alpha", "bravo", "charlie"}, names())
	require.NoError(t, a.SortDevices(ByName))
	assert.Equal(t, []string{"Alpha", "bravo", "charlie"}, names())
	require.NoError(t, a.SortDevices(ByFirstSeen))
	assert.Equal(t, []string{"charlie", "Alpha", "bravo"}, names())

	assert.ErrorIs(t, a.SortDevices("colour"), collection.ErrInvalidArgument)
}

func TestParseSortKey(t *testing.T) {
	k, err := ParseSortKey(" Signal ")
	require.NoError(t, err)
	assert.Equal(t, BySignal, k)
	k, err = ParseSortKey("")
	require.NoError(t, err)
	assert.Equal(t, ByFirstSeen, k)
	_, err = ParseSortKey("rssi")
	assert.Error(t, err)
}

func TestCapture(t *testing.T) {
	store := &memPersister{}
	a, src, _, _ := newTestAggregator(t, func(c *Config) { c.Persister = store })

	n, err := a.Capture(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)
	src.mu.Lock()
	emit := src.emit
	src.mu.Unlock()
	emit(ble.Sighting{ID: devX, Name: "Tag", RSSI: -60})
	emit(ble.Sighting{ID: devY, RSSI: -70})
	a.Stop()

	n, err = a.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, store.recs, 2)
	assert.Equal(t, Record{ID: devX.String(), Address: "AA:BB:CC:DD:EE:FF", Name: "Tag", CapturedAt: t0}, store.recs[0])
	assert.Equal(t, ble.UnknownName, store.recs[1].Name)

	store.err = errors.New("disk full")
	_, err = a.Capture(context.Background())
	assert.ErrorContains(t, err, "disk full")
}

func TestCaptureWithoutPersister(t *testing.T) {
	a, _, _, _ := newTestAggregator(t, nil)
	_, err := a.Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoPersister)
}

func TestSetTimeoutRestartsActiveSession(t *testing.T) {
	a, src, _, rec := newTestAggregator(t, nil)
	require.NoError(t, a.SetTimeout(time.Minute))
	assert.Empty(t, rec.kinds(), "idle aggregator only stores the value")

	require.NoError(t, a.Start(0))
	src.waitStarted(t)
	assert.Equal(t, "1m0s", a.Status().Timeout)

	require.NoError(t, a.SetTimeout(2*time.Minute))
	src.waitStarted(t)
	assert.Equal(t, "2m0s", a.Status().Timeout)
	assert.Equal(t, []EventKind{ScanStarted, ScanStopped, ScanStarted}, rec.kinds())

	require.NoError(t, a.SetTimeout(2*time.Minute))
	assert.Len(t, rec.kinds(), 3, "unchanged timeout does not restart")
	assert.Error(t, a.SetTimeout(0))
}

func TestChangesSignal(t *testing.T) {
	a, src, _, _ := newTestAggregator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := a.Changes(ctx)

	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)
	src.send(devX, -60)
	src.send(devX, -61)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change signal")
	}
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 5*time.Millisecond)
}

func TestObserversOnLoopMayCallBack(t *testing.T) {
	loop := dispatch.NewLoop(nil)
	defer loop.Close()
	a, src, _, _ := newTestAggregator(t, func(c *Config) { c.Sink = loop })

	stopped := make(chan struct{})
	a.Subscribe(func(ev Event) {
		switch ev.Kind {
		case DeviceAdded:
			a.Stop()
		case ScanStopped:
			close(stopped)
		}
	})
	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)
	src.send(devX, -60)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("observer could not stop the scan")
	}
	assert.Equal(t, Idle, a.State())
}

func TestStopDropsQueuedDeviceEvents(t *testing.T) {
	loop := dispatch.NewLoop(nil)
	defer loop.Close()
	a, src, _, _ := newTestAggregator(t, func(c *Config) { c.Sink = loop })

	gate := make(chan struct{})
	var stopped atomic.Bool
	var late, stopEvents atomic.Int32
	a.Subscribe(func(ev Event) {
		switch ev.Kind {
		case DeviceAdded, DeviceUpdated:
			<-gate
			if stopped.Load() {
				late.Add(1)
			}
		case ScanStopped:
			stopEvents.Add(1)
		}
	})

	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)
	for _, rssi := range []int{-60, -61, -62} {
		src.send(devX, rssi)
	}

	a.Stop()
	stopped.Store(true)
	close(gate)
	loop.Sync()

	// The first event may already have been in delivery when Stop ran.
	assert.LessOrEqual(t, late.Load(), int32(1))
	assert.Equal(t, int32(1), stopEvents.Load())
	assert.Equal(t, Idle, a.State())
}

func TestStopGraceDiscardsLateSightings(t *testing.T) {
	a, src, _, rec := newTestAggregator(t, func(c *Config) { c.StopGrace = 20 * time.Millisecond })
	src.ignoreCtx = true
	defer close(src.release)

	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)
	start := time.Now()
	a.Stop()
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	src.send(devX, -60)
	assert.Equal(t, []EventKind{ScanStarted, ScanStopped}, rec.kinds())
}

func TestConcurrentSightings(t *testing.T) {
	a, src, _, _ := newTestAggregator(t, nil)
	require.NoError(t, a.Start(time.Minute))
	src.waitStarted(t)

	ids := []ble.Identity{devX, devY, devZ}
	var wg sync.WaitGroup
	for w := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				src.send(ids[w%len(ids)], -60)
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, d := range a.Devices() {
		total += d.Count
	}
	assert.Equal(t, 1200, total)
	assert.Len(t, a.Devices(), 3)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Source: newPushSource(), MaxDevices: -1})
	assert.Error(t, err)
}
