package ble

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrMalformed = errors.New("ble: malformed sighting")

// line is the JSON-lines shape emitted by sniffer dongles and replay files.
type line struct {
	ID       string   `json:"id,omitempty"`
	Addr     string   `json:"addr,omitempty"`
	Name     string   `json:"name,omitempty"`
	RSSI     *int     `json:"rssi"`
	Tx       *int     `json:"tx,omitempty"`
	Svc      []string `json:"svc,omitempty"`
	SvcCount int      `json:"svc_count,omitempty"`
	Mfg      string   `json:"mfg,omitempty"`
}

// DecodeLine parses one JSON sighting. at stamps the result.
func DecodeLine(b []byte, at time.Time) (Sighting, error) {
	var l line
	if err := json.Unmarshal(b, &l); err != nil {
		return Sighting{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if l.RSSI == nil {
		return Sighting{}, fmt.Errorf("%w: missing rssi", ErrMalformed)
	}
	s := Sighting{Name: l.Name, RSSI: *l.RSSI, TxPower: l.Tx, At: at}

	var err error
	switch {
	case l.ID != "":
		s.ID, err = ParseIdentity(l.ID)
	case l.Addr != "":
		s.ID, err = IdentityFromAddress(l.Addr)
	default:
		err = errors.New("missing id")
	}
	if err != nil {
		return Sighting{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	for _, raw := range l.Svc {
		u, err := uuid.Parse(raw)
		if err != nil {
			return Sighting{}, fmt.Errorf("%w: service %q: %v", ErrMalformed, raw, err)
		}
		s.Services = append(s.Services, u)
	}
	s.ServiceCount = max(l.SvcCount, len(s.Services))

	if l.Mfg != "" {
		if s.Manufacturer, err = hex.DecodeString(l.Mfg); err != nil {
			return Sighting{}, fmt.Errorf("%w: mfg: %v", ErrMalformed, err)
		}
	}
	return s, nil
}

// EncodeLine is the inverse of DecodeLine. The identity is written in
// UUID form and the timestamp is dropped.
func EncodeLine(s Sighting) ([]byte, error) {
	rssi := s.RSSI
	l := line{
		ID:       s.ID.String(),
		Name:     s.Name,
		RSSI:     &rssi,
		Tx:       s.TxPower,
		SvcCount: s.ServiceCount,
	}
	for _, u := range s.Services {
		l.Svc = append(l.Svc, u.String())
	}
	if len(s.Manufacturer) > 0 {
		l.Mfg = hex.EncodeToString(s.Manufacturer)
	}
	return json.Marshal(l)
}
