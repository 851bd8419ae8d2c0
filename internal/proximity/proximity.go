// Package proximity converts received signal strength into an approximate
// distance using the log-distance path loss model:
//
//	RSSI = -10 n log10(d) + A
//
// where A is the calibrated power at one meter and n the propagation
// constant (2 in free space, higher indoors).
package proximity

import (
	"errors"
	"fmt"
	"math"
)

// DefaultPathLossExponent is the free-space propagation constant.
const DefaultPathLossExponent = 2.0

var ErrInvalidArgument = errors.New("proximity: invalid argument")

// Category is a coarse distance bucket derived from RSSI alone.
type Category int

const (
	Undefined Category = iota
	Near
	Medium
	Far
)

func (c Category) String() string {
	switch c {
	case Near:
		return "Near"
	case Medium:
		return "Medium"
	case Far:
		return "Far"
	default:
		return "Undefined"
	}
}

// MarshalText renders the category name.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Near":
		*c = Near
	case "Medium":
		*c = Medium
	case "Far":
		*c = Far
	case "Undefined", "":
		*c = Undefined
	default:
		return fmt.Errorf("%w: category %q", ErrInvalidArgument, b)
	}
	return nil
}

// EstimateDistance returns meters for rssi given the reference power at one
// meter. A zero exponent is rejected. A zero reference power means the
// transmitter is uncalibrated; the result is computed but meaningless, so
// callers should prefer EstimateCategory.
func EstimateDistance(rssi, referencePower int, pathLossExponent float64) (float64, error) {
	if pathLossExponent == 0 || math.IsNaN(pathLossExponent) || math.IsInf(pathLossExponent, 0) {
		return 0, fmt.Errorf("%w: path loss exponent %v", ErrInvalidArgument, pathLossExponent)
	}
	return math.Pow(10, float64(referencePower-rssi)/(10*pathLossExponent)), nil
}

// Distance is EstimateDistance with the free-space exponent.
func Distance(rssi, referencePower int) float64 {
	d, _ := EstimateDistance(rssi, referencePower, DefaultPathLossExponent)
	return d
}

// EstimateCategory buckets rssi: [-50, 0) Near, [-90, -50) Medium,
// below -90 Far, and 0 or above Undefined.
func EstimateCategory(rssi int) Category {
	switch {
	case rssi < 0 && rssi >= -50:
		return Near
	case rssi < -50 && rssi >= -90:
		return Medium
	case rssi < -90:
		return Far
	default:
		return Undefined
	}
}

// Describe renders the approximate distance shown for a device: meters
// with two decimals when the reference power is known, else the category.
func Describe(rssi, referencePower int, pathLossExponent float64) string {
	if referencePower != 0 {
		if d, err := EstimateDistance(rssi, referencePower, pathLossExponent); err == nil {
			return fmt.Sprintf("%.2f", d)
		}
	}
	return EstimateCategory(rssi).String()
}
