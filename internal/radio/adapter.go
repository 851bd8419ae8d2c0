package radio

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"bluescan/internal/ble"
	"bluescan/internal/timeutil"
)

// AdapterSource scans with the host Bluetooth adapter.
type AdapterSource struct {
	adapter *bluetooth.Adapter
	clock   timeutil.Clock
	log     *zap.Logger
}

func NewAdapterSource(log *zap.Logger) *AdapterSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdapterSource{adapter: bluetooth.DefaultAdapter, clock: timeutil.RealClock{}, log: log}
}

func (s *AdapterSource) Scan(ctx context.Context, on func(ble.Sighting)) error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("radio: enable adapter: %w", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			sg, err := fromScanResult(r.Address.String(), r.LocalName(), int(r.RSSI))
			if err != nil {
				s.log.Debug("unparseable adapter address", zap.Error(err))
				return
			}
			sg.At = s.clock.Now()
			on(sg)
		})
	}()

	select {
	case <-ctx.Done():
		if err := s.adapter.StopScan(); err != nil {
			s.log.Warn("stop adapter scan", zap.Error(err))
		}
		<-errc
		return ctx.Err()
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("radio: adapter scan: %w", err)
		}
		return nil
	}
}

// fromScanResult builds a sighting from the adapter's address rendering,
// a MAC on Linux and Windows and a UUID on macOS.
func fromScanResult(addr, name string, rssi int) (ble.Sighting, error) {
	id, err := ble.ParseIdentity(addr)
	if err != nil {
		return ble.Sighting{}, err
	}
	return ble.Sighting{ID: id, Name: name, RSSI: rssi}, nil
}
