// Package collection holds Bounded, a fixed-capacity FIFO sequence that
// coalesces change notifications. It backs per-device signal history and
// the live device list.
package collection

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	"bluescan/internal/dispatch"
)

var (
	ErrInvalidConfiguration = errors.New("collection: invalid configuration")
	ErrInvalidArgument      = errors.New("collection: invalid argument")
)

// BoundsError reports an index outside [0, Len).
type BoundsError struct {
	Index int
	Len   int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("collection: index %d out of range [0,%d)", e.Index, e.Len)
}

// EventKind distinguishes structural changes from item changes.
type EventKind int

const (
	// Reset means the sequence changed in some way; observers re-read it.
	Reset EventKind = iota + 1
	// ItemChanged means a contained item reported its own change. The
	// sequence itself is unchanged.
	ItemChanged
)

func (k EventKind) String() string {
	switch k {
	case Reset:
		return "reset"
	case ItemChanged:
		return "item_changed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event[T any] struct {
	Kind EventKind
	// Len, Empty and EmptyChanged describe the sequence at emit time.
	// They are only set for Reset events.
	Len          int
	Empty        bool
	EmptyChanged bool
	// Item is the item that changed, for ItemChanged events.
	Item T
}

// Notifier is implemented by items that publish their own changes. The
// buffer registers on insertion and cancels on removal. OnChange must not
// invoke fn synchronously.
type Notifier interface {
	OnChange(fn func()) (cancel func())
}

// Option configures a Bounded.
type Option func(*options)

type options struct {
	sink dispatch.Sink
}

// WithSink delivers notifications through s instead of on the calling
// goroutine.
func WithSink(s dispatch.Sink) Option {
	return func(o *options) { o.sink = s }
}

type slot[T any] struct {
	item   T
	cancel func()
}

// Bounded is a fixed-capacity sequence. Appending past capacity evicts
// from the front. Every mutation runs as a batch: while any batch is open
// no Reset is emitted, and exactly one Reset fires when the outermost
// batch ends.
type Bounded[T any] struct {
	mu        sync.Mutex
	slots     []slot[T] // ring, len == capacity
	head      int       // index of the oldest item
	n         int
	lastEmpty bool

	batches RefCounter
	sink    dispatch.Sink

	subMu  sync.Mutex
	subs   map[int64]func(Event[T])
	nextID int64
}

// NewBounded returns an empty buffer holding at most capacity items.
func NewBounded[T any](capacity int, opts ...Option) (*Bounded[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d must be positive", ErrInvalidConfiguration, capacity)
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return &Bounded[T]{
		slots:     make([]slot[T], capacity),
		lastEmpty: true,
		sink:      dispatch.OrInline(o.sink),
		subs:      map[int64]func(Event[T]){},
	}, nil
}

// Cap returns the fixed capacity.
func (b *Bounded[T]) Cap() int { return len(b.slots) }

// Len returns the number of items held.
func (b *Bounded[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Empty reports whether the buffer holds no items.
func (b *Bounded[T]) Empty() bool { return b.Len() == 0 }

// At returns the item at logical index i, 0 being the oldest.
func (b *Bounded[T]) At(i int) (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= b.n {
		var zero T
		return zero, &BoundsError{Index: i, Len: b.n}
	}
	return b.slots[(b.head+i)%len(b.slots)].item, nil
}

// Last returns the newest item.
func (b *Bounded[T]) Last() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == 0 {
		var zero T
		return zero, false
	}
	return b.slots[(b.head+b.n-1)%len(b.slots)].item, true
}

// Items returns a copy of the contents, oldest first.
func (b *Bounded[T]) Items() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, b.n)
	for i := range b.n {
		out[i] = b.slots[(b.head+i)%len(b.slots)].item
	}
	return out
}

// All iterates over a snapshot of the contents, oldest first.
func (b *Bounded[T]) All() iter.Seq2[int, T] {
	items := b.Items()
	return func(yield func(int, T) bool) {
		for i, it := range items {
			if !yield(i, it) {
				return
			}
		}
	}
}

// Append adds item at the end, evicting the oldest items while the length
// exceeds capacity.
func (b *Bounded[T]) Append(item T) {
	b.BeginBatch()
	defer b.EndBatch()
	b.appendOne(item)
}

// AppendAll appends every item of seq inside a single batch. Items
// appended before a failure stay in the buffer.
func (b *Bounded[T]) AppendAll(seq iter.Seq[T]) error {
	if seq == nil {
		return fmt.Errorf("%w: nil sequence", ErrInvalidArgument)
	}
	b.BeginBatch()
	defer b.EndBatch()
	for item := range seq {
		b.appendOne(item)
	}
	return nil
}

func (b *Bounded[T]) appendOne(item T) {
	b.mu.Lock()
	s := slot[T]{item: item}
	if n, ok := any(item).(Notifier); ok {
		s.cancel = n.OnChange(func() { b.itemChanged(item) })
	}
	var evicted func()
	if b.n == len(b.slots) {
		evicted = b.slots[b.head].cancel
		b.slots[b.head] = s
		b.head = (b.head + 1) % len(b.slots)
	} else {
		b.slots[(b.head+b.n)%len(b.slots)] = s
		b.n++
	}
	b.mu.Unlock()

	if evicted != nil {
		evicted()
	}
}

// Clear removes every item.
func (b *Bounded[T]) Clear() {
	b.BeginBatch()
	defer b.EndBatch()

	b.mu.Lock()
	var cancels []func()
	for i := range b.n {
		idx := (b.head + i) % len(b.slots)
		if c := b.slots[idx].cancel; c != nil {
			cancels = append(cancels, c)
		}
		b.slots[idx] = slot[T]{}
	}
	b.head, b.n = 0, 0
	b.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

// SortStable reorders the contents with cmp, keeping equal items in their
// current order. The sort is one batch.
func (b *Bounded[T]) SortStable(cmp func(a, b T) int) {
	if cmp == nil {
		return
	}
	b.BeginBatch()
	defer b.EndBatch()

	b.mu.Lock()
	defer b.mu.Unlock()
	ordered := make([]slot[T], b.n)
	for i := range b.n {
		ordered[i] = b.slots[(b.head+i)%len(b.slots)]
	}
	slices.SortStableFunc(ordered, func(x, y slot[T]) int { return cmp(x.item, y.item) })
	clear(b.slots)
	copy(b.slots, ordered)
	b.head = 0
}

// BeginBatch opens a batch. Every BeginBatch must be paired with EndBatch
// on all exit paths; prefer Batch, which does the pairing.
func (b *Bounded[T]) BeginBatch() {
	b.batches.Increment()
}

// EndBatch closes a batch. Closing the outermost batch emits one Reset.
// An EndBatch without a matching BeginBatch is a no-op.
func (b *Bounded[T]) EndBatch() {
	if n, released := b.batches.release(); released && n == 0 {
		b.emitReset()
	}
}

// Batch runs fn inside a batch. The batch is closed even when fn panics.
func (b *Bounded[T]) Batch(fn func() error) error {
	b.BeginBatch()
	defer b.EndBatch()
	return fn()
}

// Batching reports whether a batch is open.
func (b *Bounded[T]) Batching() bool { return b.batches.Count() > 0 }

// Subscribe registers fn for change events and returns a function that
// removes it.
func (b *Bounded[T]) Subscribe(fn func(Event[T])) (cancel func()) {
	b.subMu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subMu.Lock()
			delete(b.subs, id)
			b.subMu.Unlock()
		})
	}
}

func (b *Bounded[T]) emitReset() {
	b.mu.Lock()
	ev := Event[T]{Kind: Reset, Len: b.n, Empty: b.n == 0}
	ev.EmptyChanged = ev.Empty != b.lastEmpty
	b.lastEmpty = ev.Empty
	b.mu.Unlock()
	b.publish(ev)
}

func (b *Bounded[T]) itemChanged(item T) {
	b.publish(Event[T]{Kind: ItemChanged, Item: item})
}

func (b *Bounded[T]) publish(ev Event[T]) {
	b.subMu.Lock()
	if len(b.subs) == 0 {
		b.subMu.Unlock()
		return
	}
	fns := make([]func(Event[T]), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.subMu.Unlock()

	b.sink.Post(func() {
		for _, fn := range fns {
			fn(ev)
		}
	})
}
