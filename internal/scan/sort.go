package scan

import (
	"cmp"
	"fmt"
	"strings"

	"bluescan/internal/collection"
	"bluescan/internal/track"
)

// SortKey orders the live device list.
type SortKey string

const (
	ByFirstSeen SortKey = "first_seen"
	BySignal    SortKey = "signal"
	ByName      SortKey = "name"
)

func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return ByFirstSeen, nil
	case ByFirstSeen, BySignal, ByName:
		return k, nil
	default:
		return "", fmt.Errorf("%w: sort key %q", collection.ErrInvalidArgument, s)
	}
}

func comparator(by SortKey) func(a, b *track.Track) int {
	switch by {
	case BySignal:
		// Strongest average first.
		return func(a, b *track.Track) int { return cmp.Compare(b.Average(), a.Average()) }
	case ByName:
		return func(a, b *track.Track) int {
			return cmp.Compare(strings.ToLower(a.Name()), strings.ToLower(b.Name()))
		}
	default:
		return func(a, b *track.Track) int { return a.FirstSeen().Compare(b.FirstSeen()) }
	}
}

// SortDevices reorders the device list in place as a single batch, so
// list subscribers see one change. Equal keys keep their order.
func (a *Aggregator) SortDevices(by SortKey) error {
	if _, err := ParseSortKey(string(by)); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices.SortStable(comparator(by))
	return nil
}
