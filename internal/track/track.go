// Package track holds the live state of one device during a scan session:
// its latest sample, running average, bounded history and derived
// proximity.
package track

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"bluescan/internal/ble"
	"bluescan/internal/collection"
	"bluescan/internal/proximity"
)

// ErrInvariantViolation marks caller bugs, such as feeding a track a
// sample that belongs to another device.
var ErrInvariantViolation = errors.New("track: invariant violation")

const DefaultHistorySize = 10

type Options struct {
	HistorySize      int
	PathLossExponent float64
}

func (o Options) withDefaults() Options {
	if o.HistorySize == 0 {
		o.HistorySize = DefaultHistorySize
	}
	if o.PathLossExponent == 0 {
		o.PathLossExponent = proximity.DefaultPathLossExponent
	}
	return o
}

// Track is safe for concurrent use. Its identity never changes.
type Track struct {
	id  ble.Identity
	opt Options

	mu           sync.Mutex
	name         string
	current      ble.Sample
	count        int
	sum          int64
	txPower      *int
	distance     *float64
	category     proximity.Category
	services     int
	manufacturer []byte
	firstSeen    time.Time
	lastSeen     time.Time
	history      *collection.Bounded[ble.Sample]

	obsMu     sync.Mutex
	observers map[int64]func()
	nextObs   int64
}

// New creates a track from its first sample.
func New(id ble.Identity, first ble.Sample, opt Options) (*Track, error) {
	t, err := newTrack(id, first.At, opt)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.recordLocked(first)
	t.mu.Unlock()
	return t, nil
}

// FromSighting creates a track from the first advertisement of a device.
func FromSighting(s ble.Sighting, opt Options) (*Track, error) {
	t, err := newTrack(s.ID, s.At, opt)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.mergeLocked(s)
	t.recordLocked(s.Sample())
	t.mu.Unlock()
	return t, nil
}

func newTrack(id ble.Identity, at time.Time, opt Options) (*Track, error) {
	opt = opt.withDefaults()
	h, err := collection.NewBounded[ble.Sample](opt.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("track: history: %w", err)
	}
	return &Track{
		id:        id,
		opt:       opt,
		name:      ble.UnknownName,
		history:   h,
		firstSeen: at,
		observers: map[int64]func(){},
	}, nil
}

func (t *Track) Identity() ble.Identity { return t.id }

// Update records a new sample. It fails with ErrInvariantViolation when id
// is not this track's identity.
func (t *Track) Update(id ble.Identity, s ble.Sample) error {
	if id != t.id {
		return fmt.Errorf("%w: sample for %s fed to track %s", ErrInvariantViolation, id.Address(), t.id.Address())
	}
	t.mu.Lock()
	t.recordLocked(s)
	t.mu.Unlock()
	t.notify()
	return nil
}

// Observe merges advertisement metadata from s and records its sample.
func (t *Track) Observe(s ble.Sighting) error {
	if s.ID != t.id {
		return fmt.Errorf("%w: sighting for %s fed to track %s", ErrInvariantViolation, s.ID.Address(), t.id.Address())
	}
	t.mu.Lock()
	t.mergeLocked(s)
	t.recordLocked(s.Sample())
	t.mu.Unlock()
	t.notify()
	return nil
}

// SetReferencePower stores the calibrated power at one meter. Only
// estimates made from later samples use it.
func (t *Track) SetReferencePower(v int) {
	t.mu.Lock()
	t.txPower = &v
	t.mu.Unlock()
	t.notify()
}

func (t *Track) mergeLocked(s ble.Sighting) {
	if strings.TrimSpace(s.Name) != "" {
		t.name = s.DisplayName()
	}
	if s.TxPower != nil {
		v := *s.TxPower
		t.txPower = &v
	}
	if s.ServiceCount > 0 {
		t.services = s.ServiceCount
	}
	if len(s.Manufacturer) > 0 {
		t.manufacturer = append(t.manufacturer[:0], s.Manufacturer...)
	}
}

func (t *Track) recordLocked(s ble.Sample) {
	t.current = s
	t.count++
	t.sum += int64(s.RSSI)
	t.lastSeen = s.At
	t.history.Append(s)

	t.category = proximity.EstimateCategory(s.RSSI)
	t.distance = nil
	if t.txPower != nil && *t.txPower != 0 {
		if d, err := proximity.EstimateDistance(s.RSSI, *t.txPower, t.opt.PathLossExponent); err == nil {
			t.distance = &d
		}
	}
}

// Average is sum/count, or 0 when no sample has been recorded.
func (t *Track) Average() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.averageLocked()
}

func (t *Track) averageLocked() float64 {
	if t.count == 0 {
		return 0
	}
	return float64(t.sum) / float64(t.count)
}

func (t *Track) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *Track) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *Track) FirstSeen() time.Time { return t.firstSeen }

// History is the bounded window of recent samples. Subscribers see one
// Reset per recorded sample, delivered while the track is locked, so an
// inline subscriber must not call back into the track.
func (t *Track) History() *collection.Bounded[ble.Sample] { return t.history }

// OnChange registers fn to run after every update. It implements
// collection.Notifier.
func (t *Track) OnChange(fn func()) (cancel func()) {
	t.obsMu.Lock()
	t.nextObs++
	id := t.nextObs
	t.observers[id] = fn
	t.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.obsMu.Lock()
			delete(t.observers, id)
			t.obsMu.Unlock()
		})
	}
}

func (t *Track) notify() {
	t.obsMu.Lock()
	fns := make([]func(), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.obsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Stats summarises the retained history window.
type Stats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

func statsOf(samples []ble.Sample) Stats {
	if len(samples) == 0 {
		return Stats{}
	}
	xs := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = float64(s.RSSI)
	}
	st := Stats{Mean: stat.Mean(xs, nil), Min: floats.Min(xs), Max: floats.Max(xs)}
	if len(xs) > 1 {
		st.StdDev = stat.StdDev(xs, nil)
	}
	return st
}

// Snapshot is an immutable copy of a track.
type Snapshot struct {
	ID           string             `json:"id"`
	Address      string             `json:"address"`
	Name         string             `json:"name"`
	RSSI         int                `json:"rssi"`
	Label        string             `json:"label"`
	Count        int                `json:"count"`
	Average      float64            `json:"average"`
	TxPower      *int               `json:"tx_power,omitempty"`
	Distance     *float64           `json:"distance_m,omitempty"`
	Category     proximity.Category `json:"category"`
	Approx       string             `json:"approx_distance"`
	Services     int                `json:"services"`
	Manufacturer string             `json:"manufacturer,omitempty"`
	Company      string             `json:"company,omitempty"`
	CompanyID    uint16             `json:"company_id,omitempty"`
	FirstSeen    time.Time          `json:"first_seen"`
	LastSeen     time.Time          `json:"last_seen"`
	History      []ble.Sample       `json:"history"`
	Stats        Stats              `json:"stats"`
}

func (t *Track) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	history := t.history.Items()
	s := Snapshot{
		ID:           t.id.String(),
		Address:      t.id.Address(),
		Name:         t.name,
		RSSI:         t.current.RSSI,
		Label:        t.current.Label,
		Count:        t.count,
		Average:      t.averageLocked(),
		Category:     t.category,
		Services:     t.services,
		Manufacturer: ble.ManufacturerHex(t.manufacturer),
		FirstSeen:    t.firstSeen,
		LastSeen:     t.lastSeen,
		History:      history,
		Stats:        statsOf(history),
	}
	s.Approx = s.Category.String()
	if t.txPower != nil {
		v := *t.txPower
		s.TxPower = &v
	}
	if t.distance != nil {
		d := *t.distance
		s.Distance = &d
		s.Approx = fmt.Sprintf("%.2f", d)
	}
	if id, ok := ble.CompanyID(t.manufacturer); ok {
		s.CompanyID = id
		s.Company = ble.CompanyName(id)
	}
	return s
}
