package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"bluescan/internal/bus"
	"bluescan/internal/events"
)

type Config struct {
	URL     string
	Prefix  string
	Timeout time.Duration
	// MaxAge bounds how long exported events stay in the stream.
	MaxAge time.Duration
	Logger *zap.Logger
}

type Client struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
	maxAge time.Duration
}

var _ bus.Publisher = (*Client)(nil)

func Connect(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	log := cfg.Logger
	nc, err := nats.Connect(cfg.URL,
		nats.Name("bluescan"),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		_ = nc.Drain()
		nc.Close()
		return nil, err
	}
	return &Client{nc: nc, js: js, prefix: cfg.Prefix, maxAge: cfg.MaxAge}, nil
}

func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}
	return c.nc.Drain()
}

func (c *Client) Connected() bool { return c.nc != nil && c.nc.IsConnected() }

// StreamName is the single stream holding every subject under the prefix.
func (c *Client) StreamName() string {
	name := strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(c.prefix)
	if name == "" {
		name = "bluescan"
	}
	return name + "_events"
}

func (c *Client) EnsureStreams() error {
	name := c.StreamName()
	subject := events.Subject(c.prefix, ">")

	_, err := c.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    c.maxAge,
	})
	return err
}

func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	s := events.Subject(c.prefix, subject)
	_, err := c.js.PublishMsg(&nats.Msg{
		Subject: s,
		Data:    data,
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("natsjs: publish %s: %w", s, err)
	}
	return nil
}

type pullConsumer struct {
	sub *nats.Subscription
}

// NewPullConsumer binds a durable pull consumer on filterSubject (relative
// to the prefix).
func (c *Client) NewPullConsumer(durable, filterSubject string, maxAckPending int) (bus.PullConsumer, error) {
	s := events.Subject(c.prefix, filterSubject)
	sub, err := c.js.PullSubscribe(s, durable,
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxAckPending(maxAckPending),
	)
	if err != nil {
		return nil, err
	}
	return &pullConsumer{sub: sub}, nil
}

type msg struct {
	m *nats.Msg
}

func (m *msg) Data() []byte { return m.m.Data }
func (m *msg) Ack() error   { return m.m.Ack() }
func (m *msg) Nak() error   { return m.m.Nak() }
func (m *msg) Term() error  { return m.m.Term() }

// Fetch returns an empty batch, not an error, when nothing arrived within
// wait.
func (pc *pullConsumer) Fetch(ctx context.Context, batch int, wait time.Duration) ([]bus.Message, error) {
	fctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	msgs, err := pc.sub.Fetch(batch, nats.Context(fctx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}
	out := make([]bus.Message, 0, len(msgs))
	for _, nm := range msgs {
		out = append(out, &msg{m: nm})
	}
	return out, nil
}

func (pc *pullConsumer) Close() error { return pc.sub.Unsubscribe() }
