// Package ble holds the value types that flow from a radio source into the
// scan pipeline: device identities, raw sightings and signal samples.
package ble

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UnknownName is shown for devices that do not advertise a local name.
const UnknownName = "N/A"

// Sighting is one observed advertisement.
type Sighting struct {
	ID   Identity
	Name string
	RSSI int
	// TxPower is the calibrated power at one meter, nil when not advertised.
	TxPower      *int
	Services     []uuid.UUID
	ServiceCount int
	Manufacturer []byte
	At           time.Time
}

// DisplayName returns Name or UnknownName.
func (s Sighting) DisplayName() string {
	if strings.TrimSpace(s.Name) == "" {
		return UnknownName
	}
	return s.Name
}

// Advertises reports whether the sighting lists any of the given services.
// An empty filter matches everything.
func (s Sighting) Advertises(filter []uuid.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, svc := range s.Services {
		if slices.Contains(filter, svc) {
			return true
		}
	}
	return false
}

// Sample is an immutable signal reading.
type Sample struct {
	RSSI  int       `json:"rssi"`
	At    time.Time `json:"at"`
	Label string    `json:"label"`
}

func NewSample(rssi int, at time.Time) Sample {
	return Sample{RSSI: rssi, At: at, Label: strconv.Itoa(rssi) + " dbm"}
}

// Sample converts the sighting's signal reading.
func (s Sighting) Sample() Sample { return NewSample(s.RSSI, s.At) }

// Int returns a pointer to v, for optional fields such as TxPower.
func Int(v int) *int { return &v }
