package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluescan/internal/ble"
	"bluescan/internal/scan"
	"bluescan/internal/secrets"
	"bluescan/internal/settings"
	"bluescan/internal/storage/capture"
	"bluescan/internal/storage/repo"
	"bluescan/internal/track"
	"bluescan/internal/version"
)

var (
	tagA = ble.IdentityFromMAC([6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01})
	tagB = ble.IdentityFromMAC([6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x02})
)

// fixedSource emits its sightings and then idles until the session ends.
func fixedSource(sightings ...ble.Sighting) scan.Source {
	return scan.SourceFunc(func(ctx context.Context, on func(ble.Sighting)) error {
		for _, s := range sightings {
			s.At = time.Now()
			on(s)
		}
		<-ctx.Done()
		return ctx.Err()
	})
}

type fixture struct {
	srv      *Server
	agg      *scan.Aggregator
	settings *settings.Store
	store    *capture.Store
	applied  []settings.Settings

	mu     sync.Mutex
	synced []repo.Capture
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := settings.Open(dir)
	require.NoError(t, err)
	store, err := capture.Open(filepath.Join(dir, "captures.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	sec, err := secrets.New(make([]byte, 32))
	require.NoError(t, err)

	agg, err := scan.New(scan.Config{
		Source: fixedSource(
			ble.Sighting{ID: tagA, Name: "Zebra", RSSI: -60, TxPower: ble.Int(-59)},
			ble.Sighting{ID: tagB, Name: "Apple", RSSI: -80},
		),
		Persister: store,
	})
	require.NoError(t, err)
	t.Cleanup(agg.Stop)

	f := &fixture{agg: agg, settings: st, store: store}
	f.srv = New(Config{
		Aggregator: agg,
		Settings:   st,
		Captures:   store,
		Journal:    store,
		Secrets:    sec,
		Heartbeat:  20 * time.Millisecond,
		Applied:    func(s settings.Settings) { f.applied = append(f.applied, s) },
		Sync: func(_ context.Context, c repo.Capture) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.synced = append(f.synced, c)
			return nil
		},
	})
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) startAndWait(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/scan/start?timeout=60", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Eventually(t, func() bool { return len(f.agg.Devices()) == 2 }, 2*time.Second, time.Millisecond)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/version", "")
	assert.Equal(t, version.String(), rec.Body.String())
}

func TestScanLifecycle(t *testing.T) {
	f := newFixture(t)
	f.startAndWait(t)

	status := decode[map[string]json.RawMessage](t, f.do(t, http.MethodGet, "/api/status", ""))
	var scanStatus scan.Status
	require.NoError(t, json.Unmarshal(status["scan"], &scanStatus))
	assert.Equal(t, scan.Scanning, scanStatus.State)
	assert.Equal(t, "1m0s", scanStatus.Timeout)
	assert.Equal(t, 2, scanStatus.Devices)

	rec := f.do(t, http.MethodPost, "/api/scan/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/scan/restart?timeout=2m", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEqual(t, scanStatus.Session, decode[scan.Status](t, rec).Session)

	rec = f.do(t, http.MethodPost, "/api/scan/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, scan.Idle, f.agg.State())

	for _, bad := range []string{"-5", "soon", "0s"} {
		rec = f.do(t, http.MethodPost, "/api/scan/start?timeout="+url.QueryEscape(bad), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestDevices(t *testing.T) {
	f := newFixture(t)
	f.startAndWait(t)

	list := decode[[]track.Snapshot](t, f.do(t, http.MethodGet, "/api/devices", ""))
	require.Len(t, list, 2)
	assert.Equal(t, "Zebra", list[0].Name)
	require.NotNil(t, list[0].Distance)
	assert.Empty(t, list[0].Company)

	rec := f.do(t, http.MethodGet, "/api/devices/AA:BB:CC:DD:EE:02", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Apple", decode[track.Snapshot](t, rec).Name)

	rec = f.do(t, http.MethodGet, "/api/devices/"+tagA.String(), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/devices/AA:BB:CC:DD:EE:09", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/devices/nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/devices/sort?by=name", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sorted := decode[[]track.Snapshot](t, rec)
	assert.Equal(t, []string{"Apple", "Zebra"}, []string{sorted[0].Name, sorted[1].Name})

	rec = f.do(t, http.MethodPost, "/api/devices/sort?by=colour", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCaptureAndSync(t *testing.T) {
	f := newFixture(t)
	f.startAndWait(t)

	rec := f.do(t, http.MethodPost, "/api/capture", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]int{"captured": 2}, decode[map[string]int](t, rec))

	list := decode[[]repo.Capture](t, f.do(t, http.MethodGet, "/api/captures", ""))
	require.Len(t, list, 2)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", list[0].Address)

	rec = f.do(t, http.MethodPost, "/api/captures/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"synced": 2}, decode[map[string]int](t, rec))
	assert.Len(t, f.synced, 2)
	assert.Empty(t, decode[[]repo.Capture](t, f.do(t, http.MethodGet, "/api/captures", "")))

	_ = f.do(t, http.MethodPost, "/api/capture", "")
	rec = f.do(t, http.MethodDelete, "/api/captures", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int64{"deleted": 2}, decode[map[string]int64](t, rec))
}

func TestProximity(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/proximity?rssi=-69&tx=-69", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[proximityResponse](t, rec)
	require.NotNil(t, resp.Distance)
	assert.InDelta(t, 1.0, *resp.Distance, 1e-9)
	assert.Equal(t, "1.00", resp.Approx)

	resp = decode[proximityResponse](t, f.do(t, http.MethodGet, "/api/proximity?rssi=-95", ""))
	assert.Nil(t, resp.Distance)
	assert.Equal(t, "Far", resp.Approx)

	for _, q := range []string{"rssi=loud", "rssi=-60&tx=x", "rssi=-60&tx=-59&n=0"} {
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/proximity?"+q, "").Code, q)
	}
}

func TestPutSettings(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/settings",
		`{"scan":{"timeout_seconds":30,"services":["0000180d-0000-1000-8000-00805f9b34fb"]},"mqtt_password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "hunter2")

	got := f.settings.Get()
	assert.Equal(t, 30, got.Scan.TimeoutSeconds)
	assert.Equal(t, settings.Defaults().Scan.HistorySize, got.Scan.HistorySize)
	assert.NotEmpty(t, got.MQTT.PasswordEnc)
	require.Len(t, f.applied, 1)

	// The stored password survives an update that does not mention it.
	rec = f.do(t, http.MethodPut, "/api/settings", `{"scan":{"timeout_seconds":45}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, got.MQTT.PasswordEnc, f.settings.Get().MQTT.PasswordEnc)

	// Applied to the next session.
	require.NoError(t, f.agg.Start(0))
	assert.Equal(t, "45s", f.agg.Status().Timeout)

	rec = f.do(t, http.MethodPut, "/api/settings", `{"scan":{"timeout_seconds":0}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPut, "/api/settings", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 45, f.settings.Get().Scan.TimeoutSeconds)
}

func TestEventsJournal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.InsertEvent(context.Background(), time.Now(), "bluescan.scan.state", "", []byte{1}))

	rec := f.do(t, http.MethodGet, "/api/events?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]repo.Event](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "bluescan.scan.state", list[0].Subject)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/events?limit=-1", "").Code)
}

func TestDisabledStores(t *testing.T) {
	agg, err := scan.New(scan.Config{Source: fixedSource()})
	require.NoError(t, err)
	st, err := settings.Open(t.TempDir())
	require.NoError(t, err)
	srv := New(Config{Aggregator: agg, Settings: st})

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/capture"},
		{http.MethodGet, "/api/captures"},
		{http.MethodPost, "/api/captures/sync"},
		{http.MethodGet, "/api/events"},
	} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, tc.path)
	}
}

func TestStreamDevices(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream/devices", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("content-type"))

	events := make(chan string, 64)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				select {
				case events <- line:
				default:
				}
			}
		}
	}()

	next := func() string {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
			return ""
		}
	}
	assert.Equal(t, "devices", next())

	require.NoError(t, f.agg.Start(0))
	seen := map[string]bool{}
	for !seen["devices"] || !seen["ping"] {
		seen[next()] = true
	}
}

func TestUIServed(t *testing.T) {
	agg, err := scan.New(scan.Config{Source: fixedSource()})
	require.NoError(t, err)
	st, err := settings.Open(t.TempDir())
	require.NoError(t, err)
	ui := fstest.MapFS{"index.html": {Data: []byte("<h1>bluescan</h1>")}}
	srv := New(Config{Aggregator: agg, Settings: st, UI: ui})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bluescan")

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok", rec.Body.String())
}
