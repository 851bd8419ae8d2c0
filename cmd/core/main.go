package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bluescan/internal/ble"
	"bluescan/internal/bus/embeddednats"
	"bluescan/internal/bus/mqttpub"
	"bluescan/internal/bus/natsjs"
	"bluescan/internal/config"
	"bluescan/internal/core/api"
	"bluescan/internal/core/webui"
	"bluescan/internal/dispatch"
	"bluescan/internal/events"
	"bluescan/internal/logging"
	"bluescan/internal/radio"
	"bluescan/internal/scan"
	"bluescan/internal/secrets"
	"bluescan/internal/settings"
	"bluescan/internal/storage/capture"
	"bluescan/internal/storage/repo"
	"bluescan/internal/track"
	"bluescan/internal/version"
)

var errNATSOffline = errors.New("nats not connected")

func main() {
	cfgPath := flag.String("config", "bluescan.yaml", "boot config file")
	flag.Parse()

	boot, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logging.New(logging.Config{Level: boot.Log.Level, Encoding: boot.Log.Encoding})
	if err != nil {
		panic(err)
	}
	startedAt := time.Now()
	defer func() { _ = log.Sync() }()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("bluescan starting", zap.String("version", version.String()), zap.String("source", string(boot.Source.Kind)))

	cfgStore, err := settings.Open(boot.DataDir)
	if err != nil {
		log.Fatal("settings open", zap.Error(err))
	}
	sec, err := secrets.Open(boot.DataDir)
	if err != nil {
		log.Fatal("secrets open", zap.Error(err))
	}
	cfg := cfgStore.Get()

	store, err := capture.Open(filepath.Join(boot.DataDir, "bluescan.db"), log.Named("capture"))
	if err != nil {
		log.Fatal("capture store open", zap.Error(err))
	}
	defer store.Close()

	schema, err := events.LoadSchema()
	if err != nil {
		log.Fatal("load proto schema", zap.Error(err))
	}

	// Embedded NATS (optional); start before any client connections.
	var embMu sync.Mutex
	var emb *embeddednats.Server
	var embCfg settings.EmbeddedNATS
	startEmbedded := func(s settings.Settings) {
		embMu.Lock()
		defer embMu.Unlock()
		if emb != nil && s.EmbeddedNATS == embCfg {
			return
		}
		if emb != nil {
			emb.Shutdown()
			emb = nil
		}
		embCfg = s.EmbeddedNATS
		if !s.EmbeddedNATS.Enabled {
			return
		}
		storeDir := s.EmbeddedNATS.StoreDir
		if storeDir == "" {
			storeDir = filepath.Join(boot.DataDir, "nats")
		}
		server, err := embeddednats.Start(embeddednats.Config{
			Host:     s.EmbeddedNATS.Host,
			Port:     s.EmbeddedNATS.Port,
			HTTPPort: s.EmbeddedNATS.HTTPPort,
			StoreDir: storeDir,
		})
		if err != nil {
			log.Warn("embedded nats start failed", zap.Error(err))
			return
		}
		emb = server
		log.Info("embedded nats started", zap.String("url", server.ClientURL()))
	}
	startEmbedded(cfg)

	fwd := events.NewForwarder(events.ForwarderConfig{
		Schema:  schema,
		Logger:  log.Named("export"),
		Journal: store,
	})
	go fwd.Run(rootCtx)

	nc := &natsHolder{}
	reconnectCh := make(chan struct{}, 1)
	go nc.loop(rootCtx, cfgStore, fwd, reconnectCh, log.Named("nats"))

	var mqttMu sync.Mutex
	var mqtt *mqttpub.Publisher
	startMQTT := func(s settings.Settings) {
		mqttMu.Lock()
		defer mqttMu.Unlock()
		if mqtt != nil {
			fwd.SetMirror(nil)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = mqtt.Stop(ctx)
			cancel()
			mqtt = nil
		}
		if !s.MQTT.Enabled {
			return
		}
		pass, err := sec.DecryptString(s.MQTT.PasswordEnc)
		if err != nil {
			log.Warn("mqtt password unreadable", zap.Error(err))
			return
		}
		p := mqttpub.New(mqttpub.Config{
			Broker:   s.MQTT.Broker,
			ClientID: s.MQTT.ClientID,
			Prefix:   s.MQTT.Prefix,
			Username: s.MQTT.Username,
			Password: pass,
			Logger:   log.Named("mqtt"),
		})
		if err := p.Start(rootCtx); err != nil {
			log.Warn("mqtt start failed", zap.Error(err))
			return
		}
		mqtt = p
		fwd.SetMirror(p)
	}
	startMQTT(cfg)

	src, err := buildSource(boot, nc, schema, log.Named("radio"))
	if err != nil {
		log.Fatal("sighting source", zap.Error(err))
	}
	services, err := cfg.Scan.ServiceUUIDs()
	if err != nil {
		log.Warn("scan service filter ignored", zap.Strings("services", cfg.Scan.Services), zap.Error(err))
	}

	// Observers run on their own goroutine so they may call back into the
	// aggregator.
	loop := dispatch.NewLoop(log.Named("dispatch"))
	defer loop.Close()

	agg, err := scan.New(scan.Config{
		Source:     src,
		Logger:     log.Named("scan"),
		Sink:       loop,
		Persister:  store,
		Timeout:    cfg.Scan.Timeout(),
		MaxDevices: cfg.Scan.MaxDevices,
		Services:   services,
		Track: track.Options{
			HistorySize:      cfg.Scan.HistorySize,
			PathLossExponent: cfg.Scan.PathLossExponent,
		},
	})
	if err != nil {
		log.Fatal("scan aggregator", zap.Error(err))
	}
	agg.Subscribe(fwd.Observe)

	uiFS, err := webui.FS()
	if err != nil {
		log.Warn("web ui disabled", zap.Error(err))
		uiFS = nil
	}

	handler := api.New(api.Config{
		Aggregator: agg,
		Settings:   cfgStore,
		Captures:   store,
		Journal:    store,
		Secrets:    sec,
		Forwarder:  fwd,
		UI:         uiFS,
		Logger:     log.Named("api"),
		Sync: func(ctx context.Context, c repo.Capture) error {
			b, err := schema.EncodeCapture(c)
			if err != nil {
				return err
			}
			client := nc.get()
			if client == nil {
				return errNATSOffline
			}
			return client.Publish(ctx, events.CaptureSynced, b)
		},
		Status: func() map[string]any {
			online, lastErr := nc.state()
			embMu.Lock()
			embOn := emb != nil
			embMu.Unlock()
			return map[string]any{
				"version":        version.String(),
				"source":         boot.Source.Kind,
				"nats_connected": online,
				"nats_error":     lastErr,
				"embedded_nats":  embOn,
				"started_at":     startedAt.Format(time.RFC3339),
				"uptime_s":       int64(time.Since(startedAt).Seconds()),
			}
		},
		Applied: func(s settings.Settings) {
			startEmbedded(s)
			select {
			case reconnectCh <- struct{}{}:
			default:
			}
			startMQTT(s)
		},
	})

	addr := cfg.HTTPAddr
	ln, actualAddr, err := listenWithFallback(addr)
	if err != nil {
		log.Fatal("http listen", zap.String("addr", addr), zap.Error(err))
	}
	if actualAddr != addr {
		log.Warn("http addr was busy; switched", zap.String("from", addr), zap.String("to", actualAddr))
		_ = cfgStore.Patch(func(s *settings.Settings) { s.HTTPAddr = actualAddr })
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	exitCh := make(chan struct{}, 1)
	go func() {
		log.Info("core http listening", zap.String("addr", actualAddr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http serve", zap.Error(err))
			select {
			case exitCh <- struct{}{}:
			default:
			}
		}
	}()

	if boot.Autostart && boot.Source.Kind != config.SourceNone {
		if err := agg.Start(0); err != nil {
			log.Warn("autostart", zap.Error(err))
		}
	}

	select {
	case <-rootCtx.Done():
	case <-exitCh:
	}

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_ = srv.Shutdown(ctxTimeout)
	cancel()

	agg.Stop()
	loop.Sync()

	mqttMu.Lock()
	if mqtt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = mqtt.Stop(ctx)
		cancel()
	}
	mqttMu.Unlock()

	nc.close()

	embMu.Lock()
	if emb != nil {
		emb.Shutdown()
		emb = nil
	}
	embMu.Unlock()
}

func buildSource(boot *config.Config, nc *natsHolder, schema *events.Schema, log *zap.Logger) (scan.Source, error) {
	sc := boot.Source
	switch sc.Kind {
	case config.SourceReplay:
		return radio.NewReplaySource(sc.Replay.Path,
			radio.WithInterval(sc.Replay.Interval),
			radio.WithLoop(sc.Replay.Loop),
			radio.WithLogger(log)), nil
	case config.SourceSerial:
		return radio.NewSerialSource(sc.Serial.Port, sc.Serial.Baud, radio.WithLogger(log)), nil
	case config.SourceAdapter:
		return radio.NewAdapterSource(log), nil
	case config.SourceNATS:
		// The consumer is bound per session so a reconnected client is
		// picked up by the next scan.
		return scan.SourceFunc(func(ctx context.Context, on func(ble.Sighting)) error {
			client := nc.get()
			if client == nil {
				return errNATSOffline
			}
			consumer, err := client.NewPullConsumer(sc.NATS.Durable, sc.NATS.Subject, sc.NATS.Batch*4)
			if err != nil {
				return fmt.Errorf("bind sensor consumer: %w", err)
			}
			return radio.NewNATSSource(radio.NATSConfig{
				Consumer: consumer,
				Schema:   schema,
				Logger:   log,
				Batch:    sc.NATS.Batch,
				Wait:     sc.NATS.Wait,
			}).Scan(ctx, on)
		}), nil
	case config.SourceNone:
		return scan.SourceFunc(func(ctx context.Context, _ func(ble.Sighting)) error {
			<-ctx.Done()
			return ctx.Err()
		}), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
	}
}

// natsHolder owns the current JetStream client and reconnects it.
type natsHolder struct {
	mu      sync.Mutex
	c       *natsjs.Client
	lastErr string
}

func (h *natsHolder) get() *natsjs.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.c
}

func (h *natsHolder) state() (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.c != nil && h.c.Connected(), h.lastErr
}

func (h *natsHolder) set(c *natsjs.Client, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.c != nil && h.c != c {
		_ = h.c.Close()
	}
	h.c = c
	h.lastErr = ""
	if err != nil {
		h.lastErr = err.Error()
	}
}

func (h *natsHolder) close() { h.set(nil, nil) }

func (h *natsHolder) loop(ctx context.Context, cfgStore *settings.Store, fwd *events.Forwarder, reconnect <-chan struct{}, log *zap.Logger) {
	wait := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
		case <-reconnect:
		}
		return true
	}
	for ctx.Err() == nil {
		cfg := cfgStore.Get()
		if !cfg.NATSEnabled {
			fwd.SetPublisher(nil)
			h.set(nil, nil)
			if !wait(time.Hour) {
				return
			}
			continue
		}

		c, err := natsjs.Connect(natsjs.Config{
			URL:     cfg.NATSURL,
			Prefix:  cfg.NATSPrefix,
			Timeout: 2 * time.Second,
			Logger:  log,
		})
		if err == nil {
			if err = c.EnsureStreams(); err != nil {
				_ = c.Close()
			}
		}
		if err != nil {
			h.set(nil, err)
			log.Debug("nats connect failed", zap.String("url", cfg.NATSURL), zap.Error(err))
			if !wait(2 * time.Second) {
				return
			}
			continue
		}

		h.set(c, nil)
		fwd.SetPublisher(c)
		log.Info("nats connected", zap.String("url", cfg.NATSURL), zap.String("stream", c.StreamName()))

		// Hold the connection until settings ask for a reconnect.
		select {
		case <-ctx.Done():
			return
		case <-reconnect:
		}
		fwd.SetPublisher(nil)
	}
}

func listenWithFallback(addr string) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, addr, nil
	}

	// Try port+1..port+20 on "address already in use" only.
	if !isAddrInUse(err) {
		return nil, "", err
	}

	host, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return nil, "", err
	}
	var port int
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	if port == 0 {
		return nil, "", err
	}

	for i := 1; i <= 20; i++ {
		tryAddr := net.JoinHostPort(host, fmt.Sprintf("%d", port+i))
		ln, e := net.Listen("tcp", tryAddr)
		if e == nil {
			return ln, tryAddr, nil
		}
	}
	return nil, "", err
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	// Windows reports WSAEADDRINUSE with this phrase.
	return strings.Contains(strings.ToLower(err.Error()), "only one usage of each socket address")
}
