package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jhump/protoreflect/dynamic"

	"bluescan/internal/ble"
	"bluescan/internal/scan"
	"bluescan/internal/storage/repo"
	"bluescan/internal/track"
)

func Marshal(m *dynamic.Message) ([]byte, error) {
	return m.Marshal()
}

func UnmarshalEnvelope(schema *Schema, b []byte) (*dynamic.Message, error) {
	if schema == nil || schema.Envelope == nil {
		return nil, fmt.Errorf("schema not loaded")
	}
	m := dynamic.NewMessage(schema.Envelope)
	if err := m.Unmarshal(b); err != nil {
		return nil, err
	}
	return m, nil
}

// Encoded is an envelope ready for a bus. Key is the device address for
// device events and empty otherwise.
type Encoded struct {
	Subject string
	Key     string
	Data    []byte
}

// EncodeScanEvent maps an aggregator event to its subject and envelope.
func (s *Schema) EncodeScanEvent(ev scan.Event) (Encoded, error) {
	switch ev.Kind {
	case scan.DeviceAdded, scan.DeviceUpdated:
		if ev.Device == nil {
			return Encoded{}, fmt.Errorf("events: %s without device", ev.Kind)
		}
		subject := ScanDeviceAdded
		if ev.Kind == scan.DeviceUpdated {
			subject = ScanDeviceUpdated
		}
		env := s.envelope(subject, ev)
		env.SetFieldByName("address", ev.Device.Address)
		env.SetFieldByName("device_seen", s.deviceSeen(*ev.Device))
		b, err := Marshal(env)
		return Encoded{Subject: subject, Key: ev.Device.Address, Data: b}, err

	case scan.ScanStarted, scan.ScanStopped, scan.ScanFailed:
		st := dynamic.NewMessage(s.ScanState)
		state := scan.Idle
		if ev.Kind == scan.ScanStarted {
			state = scan.Scanning
		}
		st.SetFieldByName("state", state.String())
		st.SetFieldByName("kind", ev.Kind.String())
		st.SetFieldByName("reason", string(ev.Reason))
		if ev.Err != nil {
			st.SetFieldByName("error", ev.Err.Error())
		}
		env := s.envelope(ScanState, ev)
		env.SetFieldByName("scan_state", st)
		b, err := Marshal(env)
		return Encoded{Subject: ScanState, Data: b}, err
	}
	return Encoded{}, fmt.Errorf("events: unknown scan event kind %d", ev.Kind)
}

func (s *Schema) envelope(subject string, ev scan.Event) *dynamic.Message {
	env := s.NewEnvelope(subject)
	if !ev.At.IsZero() {
		env.SetFieldByName("ts_unix_ms", ev.At.UTC().UnixMilli())
	}
	if ev.Session != uuid.Nil {
		env.SetFieldByName("session", ev.Session.String())
	}
	return env
}

func (s *Schema) deviceSeen(snap track.Snapshot) *dynamic.Message {
	m := dynamic.NewMessage(s.DeviceSeen)
	m.SetFieldByName("id", snap.ID)
	m.SetFieldByName("address", snap.Address)
	m.SetFieldByName("name", snap.Name)
	m.SetFieldByName("rssi", int32(snap.RSSI))
	m.SetFieldByName("count", int32(snap.Count))
	m.SetFieldByName("average", snap.Average)
	if snap.TxPower != nil {
		m.SetFieldByName("has_tx_power", true)
		m.SetFieldByName("tx_power", int32(*snap.TxPower))
	}
	if snap.Distance != nil {
		m.SetFieldByName("distance_m", *snap.Distance)
	}
	m.SetFieldByName("category", snap.Category.String())
	m.SetFieldByName("approx_distance", snap.Approx)
	m.SetFieldByName("services", int32(snap.Services))
	m.SetFieldByName("manufacturer", snap.Manufacturer)
	m.SetFieldByName("company", snap.Company)
	m.SetFieldByName("first_seen_unix_ms", snap.FirstSeen.UnixMilli())
	m.SetFieldByName("last_seen_unix_ms", snap.LastSeen.UnixMilli())
	return m
}

// EncodeSighting wraps a raw sighting, as published by remote sensors.
func (s *Schema) EncodeSighting(source string, sg ble.Sighting) ([]byte, error) {
	m := dynamic.NewMessage(s.Sighting)
	m.SetFieldByName("id", sg.ID.String())
	m.SetFieldByName("name", sg.Name)
	m.SetFieldByName("rssi", int32(sg.RSSI))
	if sg.TxPower != nil {
		m.SetFieldByName("has_tx_power", true)
		m.SetFieldByName("tx_power", int32(*sg.TxPower))
	}
	svc := make([]string, 0, len(sg.Services))
	for _, u := range sg.Services {
		svc = append(svc, u.String())
	}
	m.SetFieldByName("services", svc)
	m.SetFieldByName("service_count", int32(sg.ServiceCount))
	m.SetFieldByName("manufacturer", sg.Manufacturer)
	if !sg.At.IsZero() {
		m.SetFieldByName("ts_unix_ms", sg.At.UTC().UnixMilli())
	}

	env := s.NewEnvelope(SensorSighting)
	env.SetFieldByName("address", sg.ID.Address())
	env.SetFieldByName("source", source)
	env.SetFieldByName("sighting", m)
	return Marshal(env)
}

// DecodeSighting is the inverse of EncodeSighting.
func (s *Schema) DecodeSighting(b []byte) (ble.Sighting, error) {
	env, err := UnmarshalEnvelope(s, b)
	if err != nil {
		return ble.Sighting{}, err
	}
	if !env.HasFieldName("sighting") {
		return ble.Sighting{}, fmt.Errorf("%w: envelope %q has no sighting", ble.ErrMalformed, env.GetFieldByName("subject"))
	}
	m, ok := env.GetFieldByName("sighting").(*dynamic.Message)
	if !ok {
		return ble.Sighting{}, fmt.Errorf("%w: sighting payload type", ble.ErrMalformed)
	}

	var sg ble.Sighting
	if sg.ID, err = ble.ParseIdentity(m.GetFieldByName("id").(string)); err != nil {
		return ble.Sighting{}, fmt.Errorf("%w: %v", ble.ErrMalformed, err)
	}
	sg.Name = m.GetFieldByName("name").(string)
	sg.RSSI = int(m.GetFieldByName("rssi").(int32))
	if m.GetFieldByName("has_tx_power").(bool) {
		sg.TxPower = ble.Int(int(m.GetFieldByName("tx_power").(int32)))
	}
	for _, raw := range m.GetFieldByName("services").([]any) {
		u, err := uuid.Parse(raw.(string))
		if err != nil {
			return ble.Sighting{}, fmt.Errorf("%w: service: %v", ble.ErrMalformed, err)
		}
		sg.Services = append(sg.Services, u)
	}
	sg.ServiceCount = int(m.GetFieldByName("service_count").(int32))
	if mfg := m.GetFieldByName("manufacturer").([]byte); len(mfg) > 0 {
		sg.Manufacturer = mfg
	}
	if ms := m.GetFieldByName("ts_unix_ms").(int64); ms != 0 {
		sg.At = time.UnixMilli(ms).UTC()
	}
	return sg, nil
}

// EncodeCapture wraps a stored capture for hand-off to upstream systems.
func (s *Schema) EncodeCapture(c repo.Capture) ([]byte, error) {
	m := dynamic.NewMessage(s.CaptureRecord)
	m.SetFieldByName("device_id", c.DeviceID)
	m.SetFieldByName("address", c.Address)
	m.SetFieldByName("name", c.Name)
	m.SetFieldByName("captured_at_unix_ms", c.CapturedAt.UnixMilli())

	env := s.NewEnvelope(CaptureSynced)
	env.SetFieldByName("address", c.Address)
	env.SetFieldByName("capture", m)
	return Marshal(env)
}
