// Package events publishes account lifecycle events to NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carlossalguero/authgate/internal/shared/logger"
)

// Event types.
const (
	TypeAccountCreated = "account.created"
	TypeAccountLogin   = "account.login"
)

// ErrNotConnected is returned when publishing without a live connection.
var ErrNotConnected = errors.New("not connected to NATS")

// Config holds NATS client configuration.
type Config struct {
	URL             string        `mapstructure:"url"`
	Name            string        `mapstructure:"name"`
	SubjectPrefix   string        `mapstructure:"subject_prefix"`
	MaxReconnects   int           `mapstructure:"max_reconnects"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait"`
	Timeout         time.Duration `mapstructure:"timeout"`
	EnableJetStream bool          `mapstructure:"enable_jetstream"`
}

// Event is the envelope of every published message.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	TraceID   string         `json:"trace_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event about the entity identified by subject.
func NewEvent(eventType, subject string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    "authgate",
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publisher publishes events. *Client implements it.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Client wraps a NATS connection.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// New connects to NATS.
func New(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "authgate"
	}
	log = log.WithComponent("events")

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from NATS", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client := &Client{conn: conn, prefix: cfg.SubjectPrefix}

	if cfg.EnableJetStream {
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		client.js = js
	}

	return client, nil
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Ping flushes the connection, confirming a server round trip.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.conn.FlushWithContext(ctx)
}

// Subject returns the NATS subject an event type is published on.
func (c *Client) Subject(eventType string) string {
	return c.prefix + "." + eventType
}

// Publish sends event as JSON, through JetStream when enabled.
func (c *Client) Publish(ctx context.Context, event Event) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := c.Subject(event.Type)
	if c.js != nil {
		_, err = c.js.Publish(ctx, subject, data)
		return err
	}
	return c.conn.Publish(subject, data)
}
