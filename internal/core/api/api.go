// Package api serves the scan service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"bluescan/internal/ble"
	"bluescan/internal/collection"
	"bluescan/internal/events"
	"bluescan/internal/proximity"
	"bluescan/internal/scan"
	"bluescan/internal/settings"
	"bluescan/internal/storage/repo"
	"bluescan/internal/version"
)

const defaultHeartbeat = 15 * time.Second

// Journal lists recently exported envelopes.
type Journal interface {
	RecentEvents(ctx context.Context, limit int) ([]repo.Event, error)
}

// Encrypter seals secrets before they are written to settings.
type Encrypter interface {
	EncryptString(plain string) (string, error)
}

type Config struct {
	Aggregator *scan.Aggregator
	Settings   *settings.Store
	Captures   repo.Captures
	Journal    Journal
	Secrets    Encrypter
	Forwarder  *events.Forwarder
	// Sync hands one stored capture upstream; nil disables /api/captures/sync.
	Sync func(ctx context.Context, c repo.Capture) error
	// Status adds process-level fields (broker state, uptime) to /api/status.
	Status func() map[string]any
	// Applied runs after settings were stored and applied to the aggregator.
	Applied func(settings.Settings)
	UI      fs.FS
	Logger  *zap.Logger

	Heartbeat time.Duration
}

type Server struct {
	cfg Config
	log *zap.Logger
	r   chi.Router
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	s := &Server{cfg: cfg, log: cfg.Logger}
	s.r = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.r.ServeHTTP(w, r) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain")
		_, _ = w.Write([]byte(version.String()))
	})
	r.Get("/api/status", s.status)

	r.Post("/api/scan/start", s.startScan)
	r.Post("/api/scan/stop", func(w http.ResponseWriter, r *http.Request) {
		s.cfg.Aggregator.Stop()
		writeJSON(w, http.StatusOK, s.cfg.Aggregator.Status())
	})
	r.Post("/api/scan/restart", s.restartScan)

	r.Get("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.cfg.Aggregator.Devices())
	})
	r.Get("/api/devices/{address}", s.device)
	r.Post("/api/devices/sort", s.sortDevices)

	r.Post("/api/capture", s.capture)
	r.Get("/api/captures", s.listCaptures)
	r.Delete("/api/captures", s.clearCaptures)
	r.Post("/api/captures/sync", s.syncCaptures)
	r.Get("/api/events", s.recentEvents)

	r.Get("/api/proximity", s.proximity)

	r.Get("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.cfg.Settings.Get())
	})
	r.Put("/api/settings", s.putSettings)

	r.Get("/api/stream/devices", s.streamDevices)

	if s.cfg.UI != nil {
		r.Handle("/*", http.FileServer(http.FS(s.cfg.UI)))
	}
	return r
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"scan":    s.cfg.Aggregator.Status(),
		"dropped": s.cfg.Aggregator.Dropped(),
	}
	if s.cfg.Forwarder != nil {
		out["export"] = s.cfg.Forwarder.Stats()
	}
	if s.cfg.Status != nil {
		for k, v := range s.cfg.Status() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Aggregator.Start(timeout); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.cfg.Aggregator.Status())
}

func (s *Server) restartScan(w http.ResponseWriter, r *http.Request) {
	timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Aggregator.Restart(timeout); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.cfg.Aggregator.Status())
}

func (s *Server) device(w http.ResponseWriter, r *http.Request) {
	id, err := ble.ParseIdentity(chi.URLParam(r, "address"))
	if err != nil {
		http.Error(w, "bad address", http.StatusBadRequest)
		return
	}
	snap, ok := s.cfg.Aggregator.Device(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) sortDevices(w http.ResponseWriter, r *http.Request) {
	by, err := scan.ParseSortKey(r.URL.Query().Get("by"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Aggregator.SortDevices(by); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Aggregator.Devices())
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Aggregator.Capture(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"captured": n})
}

func (s *Server) listCaptures(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Captures == nil {
		http.Error(w, "capture store disabled", http.StatusServiceUnavailable)
		return
	}
	list, err := s.cfg.Captures.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) clearCaptures(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Captures == nil {
		http.Error(w, "capture store disabled", http.StatusServiceUnavailable)
		return
	}
	n, err := s.cfg.Captures.Clear(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) syncCaptures(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Captures == nil || s.cfg.Sync == nil {
		http.Error(w, "sync disabled", http.StatusServiceUnavailable)
		return
	}
	n, err := s.cfg.Captures.Drain(r.Context(), s.cfg.Sync)
	if err != nil {
		s.log.Warn("capture sync interrupted", zap.Int("synced", n), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"synced": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"synced": n})
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		http.Error(w, "journal disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := s.cfg.Journal.RecentEvents(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type proximityResponse struct {
	RSSI     int                `json:"rssi"`
	TxPower  int                `json:"tx_power"`
	Exponent float64            `json:"exponent"`
	Distance *float64           `json:"distance_m,omitempty"`
	Category proximity.Category `json:"category"`
	Approx   string             `json:"approx_distance"`
}

func (s *Server) proximity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rssi, err := strconv.Atoi(q.Get("rssi"))
	if err != nil {
		http.Error(w, "bad rssi", http.StatusBadRequest)
		return
	}
	resp := proximityResponse{RSSI: rssi, Exponent: proximity.DefaultPathLossExponent}
	if v := q.Get("tx"); v != "" {
		if resp.TxPower, err = strconv.Atoi(v); err != nil {
			http.Error(w, "bad tx", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("n"); v != "" {
		if resp.Exponent, err = strconv.ParseFloat(v, 64); err != nil {
			http.Error(w, "bad n", http.StatusBadRequest)
			return
		}
	}
	if resp.TxPower != 0 {
		d, err := proximity.EstimateDistance(rssi, resp.TxPower, resp.Exponent)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Distance = &d
	}
	resp.Category = proximity.EstimateCategory(rssi)
	resp.Approx = proximity.Describe(rssi, resp.TxPower, resp.Exponent)
	writeJSON(w, http.StatusOK, resp)
}

// settingsRequest carries the MQTT password in clear; it is stored
// encrypted and never echoed back.
type settingsRequest struct {
	settings.Settings
	MQTTPassword *string `json:"mqtt_password,omitempty"`
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	prev := s.cfg.Settings.Get()
	req := settingsRequest{Settings: prev}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	next := req.Settings
	next.MQTT.PasswordEnc = prev.MQTT.PasswordEnc
	if req.MQTTPassword != nil {
		if s.cfg.Secrets == nil {
			http.Error(w, "secrets unavailable", http.StatusInternalServerError)
			return
		}
		enc, err := s.cfg.Secrets.EncryptString(*req.MQTTPassword)
		if err != nil {
			http.Error(w, "encrypt password failed", http.StatusInternalServerError)
			return
		}
		next.MQTT.PasswordEnc = enc
	}
	if next.Version == 0 {
		next.Version = prev.Version
	}
	if err := s.cfg.Settings.Update(next); err != nil {
		writeError(w, err)
		return
	}

	services, _ := next.Scan.ServiceUUIDs()
	s.cfg.Aggregator.SetServices(services)
	if err := s.cfg.Aggregator.SetTimeout(next.Scan.Timeout()); err != nil {
		s.log.Warn("apply scan timeout", zap.Error(err))
	}
	if s.cfg.Applied != nil {
		s.cfg.Applied(next)
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) streamDevices(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusBadRequest)
		return
	}

	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("connection", "keep-alive")

	ctx := r.Context()
	ch := s.cfg.Aggregator.Changes(ctx)

	send := func() {
		b, _ := json.Marshal(map[string]any{
			"status":  s.cfg.Aggregator.Status(),
			"devices": s.cfg.Aggregator.Devices(),
		})
		_, _ = fmt.Fprintf(w, "event: devices\ndata: %s\n\n", b)
		flusher.Flush()
	}
	send()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			send()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, "event: ping\ndata: 1\n\n")
			flusher.Flush()
		}
	}
}

// parseTimeout accepts a Go duration ("90s") or whole seconds. Empty
// means the aggregator's default.
func parseTimeout(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("%w: timeout %q", collection.ErrInvalidArgument, v)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: timeout %q", collection.ErrInvalidArgument, v)
	}
	return d, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, collection.ErrInvalidArgument),
		errors.Is(err, proximity.ErrInvalidArgument),
		errors.Is(err, settings.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, scan.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, scan.ErrNoPersister):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
