// Package detector consumes schema ChangeEvents and decides when an
// environment needs recomposition. Events are hints, not authoritative data:
// every decision re-reads current state from the store, which makes the
// detector idempotent under the at-least-once, possibly reordered delivery
// of the change notification channel.
package detector

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/schemaregistry/errors"
	"github.com/c360/schemaregistry/natsclient"
	"github.com/c360/schemaregistry/store"
	"github.com/c360/schemaregistry/types"
)

// CurrentReader reads current subgraph state from the schema store
type CurrentReader interface {
	GetCurrent(ctx context.Context, key types.SubgraphKey) (*store.CurrentSchema, error)
}

// VersionReader reads the latest known-good composition from the ledger
type VersionReader interface {
	LatestValid(ctx context.Context, environment string) (*types.SupergraphVersion, error)
}

// Config holds detector settings
type Config struct {
	// Stream is the JetStream stream carrying ChangeEvents
	Stream string `json:"stream" yaml:"stream"`
	// Durable is the durable consumer name; sharing it across replicas
	// shares the event load
	Durable string `json:"durable" yaml:"durable"`
	// SubjectPrefix is the ChangeEvent subject prefix; events are published
	// on {prefix}.{environment}.{subgraph}
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	// DebounceWindow is the quiet period a burst must settle for before one
	// recomposition fires
	DebounceWindow time.Duration `json:"debounce_window" yaml:"debounce_window"`
}

// DefaultConfig returns sensible detector defaults
func DefaultConfig() Config {
	return Config{
		Stream:         "SCHEMA_EVENTS",
		Durable:        "schema-detector",
		SubjectPrefix:  "schema.events",
		DebounceWindow: 3 * time.Second,
	}
}

// Validate checks the configuration, applying defaults for blank fields
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.Stream == "" {
		c.Stream = def.Stream
	}
	if c.Durable == "" {
		c.Durable = def.Durable
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = def.SubjectPrefix
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = def.DebounceWindow
	}
	return nil
}

// Detector is the long-running ChangeEvent consumer
type Detector struct {
	client    *natsclient.Client
	source    CurrentReader
	ledger    VersionReader
	config    Config
	debouncer *Debouncer
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	consume jetstream.ConsumeContext
}

// New creates a detector. recompose is invoked once per settled burst with
// the environment needing recomposition.
func New(client *natsclient.Client, source CurrentReader, ledger VersionReader,
	cfg Config, recompose func(environment string), logger *slog.Logger) (*Detector, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if recompose == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Detector", "New", "recompose callback is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Detector{
		client:    client,
		source:    source,
		ledger:    ledger,
		config:    cfg,
		debouncer: NewDebouncer(cfg.DebounceWindow, recompose),
		logger:    logger,
	}, nil
}

// Start provisions the event stream and begins consuming
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Detector", "Start", "detector already running")
	}

	_, err := d.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     d.config.Stream,
		Subjects: []string{d.config.SubjectPrefix + ".>"},
	})
	if err != nil {
		return err
	}

	consume, err := d.client.ConsumeDurable(ctx, d.config.Stream, d.config.Durable,
		d.config.SubjectPrefix+".>", d.HandleEvent)
	if err != nil {
		return err
	}

	d.consume = consume
	d.started = true
	d.logger.Info("Change detector started",
		"stream", d.config.Stream, "debounce_window", d.config.DebounceWindow)
	return nil
}

// Stop halts consumption and cancels armed debounce timers
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return
	}
	d.consume.Stop()
	d.debouncer.Stop()
	d.started = false
	d.logger.Info("Change detector stopped")
}

// HandleEvent processes one ChangeEvent. The fingerprint in the event is
// never trusted: the current fingerprint is re-read from the store and
// compared against the latest valid composition's member set. Returning an
// error leaves the message unacked for redelivery.
func (d *Detector) HandleEvent(ctx context.Context, data []byte) error {
	var event types.ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		// Malformed payloads never become useful on redelivery
		d.logger.Warn("Discarding malformed change event", "error", err)
		return nil
	}
	if event.Environment == "" || event.Subgraph == "" {
		d.logger.Warn("Discarding incomplete change event",
			"environment", event.Environment, "subgraph", event.Subgraph)
		return nil
	}

	key := types.SubgraphKey{Environment: event.Environment, Subgraph: event.Subgraph}
	current, err := d.source.GetCurrent(ctx, key)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			// Event for a subgraph with no stored schema; nothing to compose
			d.logger.Warn("Change event for unregistered subgraph", "key", key.String())
			return nil
		}
		return fmt.Errorf("re-read current schema for %s: %w", key.String(), err)
	}

	dirty, reason := d.needsRecomposition(ctx, event.Environment, event.Subgraph, current.Record.ContentFingerprint)
	if !dirty {
		d.logger.Debug("Change event is a no-op",
			"key", key.String(), "fingerprint", current.Record.ContentFingerprint)
		return nil
	}

	d.logger.Info("Schema change detected",
		"key", key.String(), "fingerprint", current.Record.ContentFingerprint, "reason", reason)
	d.debouncer.Mark(event.Environment)
	return nil
}

// needsRecomposition compares the store's current fingerprint against the
// member fingerprint in the latest valid composition.
func (d *Detector) needsRecomposition(ctx context.Context, environment, subgraph, fingerprint string) (bool, string) {
	latest, err := d.ledger.LatestValid(ctx, environment)
	if err != nil {
		if stderrors.Is(err, errors.ErrNoValidVersion) {
			return true, "no valid composition yet"
		}
		// Can't prove it's a no-op; recomposing is safe either way
		d.logger.Warn("Latest composition unreadable, recomposing to be safe",
			"environment", environment, "error", err)
		return true, "ledger unreadable"
	}

	member, ok := latest.MemberFingerprints[subgraph]
	if !ok {
		return true, "subgraph not in latest composition"
	}
	if member != fingerprint {
		return true, "fingerprint differs from latest composition"
	}
	return false, ""
}
