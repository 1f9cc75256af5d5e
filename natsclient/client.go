// Package natsclient manages the registry's NATS connection: core pub/sub,
// JetStream streams and durable consumers, and the KV and ObjectStore buckets
// backing the schema store and ledgers. A small circuit breaker keeps a
// flapping broker from turning every operation into a slow failure.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/schemaregistry/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error variables
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client manages a NATS connection with a circuit breaker
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// Circuit breaker
	circuitFailures  atomic.Int32
	circuitThreshold int32
	lastFailure      atomic.Value // stores time.Time
	cooldown         time.Duration

	// Connection options
	clientName    string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	closed atomic.Bool
}

// New creates a client for the given NATS URL
func New(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Client", "New", "NATS URL is required")
	}

	c := &Client{
		url:              url,
		logger:           slog.Default(),
		clientName:       "schemaregistry",
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     5 * time.Second,
		circuitThreshold: 5,
		cooldown:         30 * time.Second,
	}
	c.status.Store(StatusDisconnected)
	c.lastFailure.Store(time.Time{})

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// URL returns the configured NATS URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status, accounting for circuit cooldown
func (c *Client) Status() ConnectionStatus {
	status := c.status.Load().(ConnectionStatus)
	if status == StatusCircuitOpen {
		last := c.lastFailure.Load().(time.Time)
		if time.Since(last) > c.cooldown {
			// Cooldown elapsed, allow the next attempt through
			c.status.Store(StatusDisconnected)
			c.circuitFailures.Store(0)
			return StatusDisconnected
		}
	}
	return status
}

// IsHealthy reports whether the client holds a live connection
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	return c.Status() == StatusConnected && conn != nil && conn.IsConnected()
}

func (c *Client) recordFailure() {
	c.lastFailure.Store(time.Now())
	if c.circuitFailures.Add(1) >= c.circuitThreshold {
		c.status.Store(StatusCircuitOpen)
		c.logger.Warn("NATS circuit breaker opened",
			"failures", c.circuitFailures.Load(), "cooldown", c.cooldown)
	}
}

func (c *Client) resetCircuit() {
	c.circuitFailures.Store(0)
}

// Connect establishes the NATS connection and initializes JetStream
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.status.Store(StatusConnecting)
	c.logger.Debug("Connecting to NATS", "url", c.url)

	done := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url,
			nats.Name(c.clientName),
			nats.MaxReconnects(c.maxReconnects),
			nats.ReconnectWait(c.reconnectWait),
			nats.Timeout(c.timeout),
			nats.DrainTimeout(c.drainTimeout),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				c.status.Store(StatusReconnecting)
				c.logger.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				c.status.Store(StatusConnected)
				c.logger.Info("NATS reconnected", "url", c.url)
			}),
		)
		if err != nil {
			done <- err
			return
		}

		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			done <- fmt.Errorf("initialize JetStream: %w", err)
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			c.recordFailure()
			if c.Status() != StatusCircuitOpen {
				c.status.Store(StatusDisconnected)
			}
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.status.Store(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.status.Store(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Connected to NATS", "url", c.url)
	return nil
}

// Close drains subscriptions and closes the connection
func (c *Client) Close(_ context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	subs := c.subs
	c.conn = nil
	c.js = nil
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug("Unsubscribe during close", "error", err)
		}
	}

	if conn != nil {
		if err := conn.Drain(); err != nil {
			conn.Close()
			return errors.WrapTransient(err, "Client", "Close", "drain connection")
		}
	}

	c.status.Store(StatusDisconnected)
	return nil
}

// Publish publishes a message on a core NATS subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Request performs a core NATS request and waits for the reply
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}

	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Request", "request "+subject)
	}
	return msg.Data, nil
}

// Subscribe subscribes to a core NATS subject. The subscription lives until
// the client is closed.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}

	c.subs = append(c.subs, sub)
	return nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// EnsureStream creates or updates a JetStream stream
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}

	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "ensure stream "+cfg.Name)
	}

	c.resetCircuit()
	return stream, nil
}

// PublishToStream publishes to a JetStream subject with acknowledgment
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	js, err := c.JetStream()
	if err != nil {
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "PublishToStream", "publish "+subject)
	}

	c.resetCircuit()
	return nil
}

// ConsumeDurable creates a durable consumer on a stream and starts delivering
// messages to handler. Messages are acked only when the handler returns nil,
// so redelivery covers handler failures (at-least-once).
func (c *Client) ConsumeDurable(ctx context.Context, streamName, durable, subject string,
	handler func(context.Context, []byte) error) (jetstream.ConsumeContext, error) {

	if c.closed.Load() {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Client", "ConsumeDurable", "check client state")
	}

	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "ConsumeDurable", "create consumer "+durable)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(ctx, msg.Data()); err != nil {
			c.logger.Warn("Message handler failed, leaving unacked for redelivery",
				"subject", msg.Subject(), "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "ConsumeDurable", "start consumer "+durable)
	}

	c.resetCircuit()
	return cc, nil
}

// EnsureKeyValue creates or binds a KV bucket
func (c *Client) EnsureKeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureKeyValue", "ensure bucket "+cfg.Bucket)
	}

	c.resetCircuit()
	return bucket, nil
}

// EnsureObjectStore creates or binds an ObjectStore bucket
func (c *Client) EnsureObjectStore(ctx context.Context, cfg jetstream.ObjectStoreConfig) (jetstream.ObjectStore, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.CreateOrUpdateObjectStore(ctx, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureObjectStore", "ensure bucket "+cfg.Bucket)
	}

	c.resetCircuit()
	return bucket, nil
}
