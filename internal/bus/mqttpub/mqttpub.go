// Package mqttpub mirrors exported envelopes to an MQTT broker. Subjects
// map to topics by replacing dots with slashes under the configured
// prefix, so "scan.device_added.AA:BB:CC:DD:EE:FF" is published at
// "<prefix>/scan/device_added/AA:BB:CC:DD:EE:FF".
package mqttpub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"

	"bluescan/internal/bus"
	"bluescan/internal/events"
)

var ErrNotStarted = errors.New("mqttpub: not started")

type Config struct {
	Broker   string
	ClientID string
	Prefix   string
	Username string
	Password string
	QoS      byte
	Logger   *zap.Logger
}

type Publisher struct {
	cfg Config
	log *zap.Logger

	mu sync.RWMutex
	cm *autopaho.ConnectionManager
}

var _ bus.Publisher = (*Publisher)(nil)

func New(cfg Config) *Publisher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "bluescan"
	}
	return &Publisher{cfg: cfg, log: cfg.Logger}
}

func (p *Publisher) availabilityTopic() string {
	return events.Topic(p.cfg.Prefix, "status", "")
}

// Topic is the MQTT topic a subject is published at.
func (p *Publisher) Topic(subject string) string {
	return events.Topic(p.cfg.Prefix, subject, "")
}

// Start connects in the background; autopaho keeps reconnecting until ctx
// is done. It waits briefly for the first connection but does not fail
// when the broker is still unreachable.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	avail := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   avail,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.log.Info("mqtt connected", zap.String("broker", p.cfg.Broker))
			if _, err := cm.Publish(ctx, &paho.Publish{Topic: avail, Payload: []byte("online"), QoS: 1, Retain: true}); err != nil {
				p.log.Warn("mqtt availability publish failed", zap.Error(err))
			}
		},
		OnConnectError: func(err error) {
			p.log.Warn("mqtt connection error", zap.Error(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.log.Warn("mqtt initial connection timed out, retrying in background", zap.Error(err))
	}
	return nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return ErrNotStarted
	}
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.Topic(subject),
		Payload: data,
		QoS:     p.cfg.QoS,
	})
	return err
}

func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.cm = nil
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	if _, err := cm.Publish(ctx, &paho.Publish{Topic: p.availabilityTopic(), Payload: []byte("offline"), QoS: 1, Retain: true}); err != nil {
		p.log.Debug("mqtt offline publish failed", zap.Error(err))
	}
	return cm.Disconnect(ctx)
}
