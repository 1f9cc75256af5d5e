// Package emitter is the service-side registration library. A subgraph
// service embeds a Client and calls Emit at startup (and optionally on a
// heartbeat interval) to register its current schema document. Registration
// failure is a warning for the owning service, never an outage: Emit retries
// transient store failures with backoff and reports the final error to the
// caller instead of panicking.
package emitter

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/schemaregistry/errors"
	"github.com/c360/schemaregistry/pkg/retry"
	"github.com/c360/schemaregistry/store"
	"github.com/c360/schemaregistry/types"
)

// SchemaWriter is the slice of the schema store the emitter writes through
type SchemaWriter interface {
	Put(ctx context.Context, key types.SubgraphKey, text, emitterID string) (*store.PutResult, error)
}

// EventPublisher publishes ChangeEvents onto the notification stream
type EventPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Config holds emitter settings for one subgraph service
type Config struct {
	// Subgraph is this service's subgraph name
	Subgraph string `json:"subgraph" yaml:"subgraph"`
	// Environment the service runs in
	Environment string `json:"environment" yaml:"environment"`
	// SubjectPrefix for ChangeEvent publication; events go out on
	// {prefix}.{environment}.{subgraph}
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	// Retry governs backoff on transient store failures during Emit
	Retry retry.Config `json:"retry" yaml:"retry"`
}

// Validate checks the configuration, applying defaults for blank fields
func (c *Config) Validate() error {
	if c.Subgraph == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "subgraph is required")
	}
	if c.Environment == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "environment is required")
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "schema.events"
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.Emission()
	}
	return nil
}

// EmitResult reports the outcome of one emission
type EmitResult struct {
	// Fingerprint of the canonicalized schema text
	Fingerprint string
	// StorageRef of the stored document
	StorageRef string
	// Created is false when the fingerprint matched the current version
	// and the store write was a no-op
	Created bool
	// EventPublished is false when the store write succeeded but the
	// ChangeEvent could not be published; the heartbeat covers the gap
	EventPublished bool
}

// Client registers one subgraph's schema with the registry
type Client struct {
	store      SchemaWriter
	events     EventPublisher
	config     Config
	key        types.SubgraphKey
	instanceID string
	logger     *slog.Logger
}

// New creates an emitter client for one subgraph service instance
func New(schemas SchemaWriter, events EventPublisher, cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if schemas == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Client", "New", "schema store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		store:      schemas,
		events:     events,
		config:     cfg,
		key:        types.SubgraphKey{Environment: cfg.Environment, Subgraph: cfg.Subgraph},
		instanceID: uuid.NewString(),
		logger:     logger,
	}, nil
}

// InstanceID returns this emitter instance's identity, recorded with every
// schema version it writes.
func (c *Client) InstanceID() string { return c.instanceID }

// Emit fingerprints schemaText, writes it to the schema store, and publishes
// a ChangeEvent. The store write is a no-op when the fingerprint matches the
// current version; the event is published regardless so downstream state
// re-checks still happen. Transient store failures retry with backoff; the
// final error is reported, never panicked.
func (c *Client) Emit(ctx context.Context, schemaText string) (*EmitResult, error) {
	put, err := retry.DoWithResult(ctx, c.config.Retry, func() (*store.PutResult, error) {
		res, err := c.store.Put(ctx, c.key, schemaText, c.instanceID)
		if err != nil && errors.IsInvalid(err) {
			// A schema that doesn't parse won't parse on retry either
			return nil, retry.NonRetryable(err)
		}
		return res, err
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrEmissionFailed, "Client", "Emit",
			"register schema for "+c.key.String()+": "+err.Error())
	}

	result := &EmitResult{
		Fingerprint: put.Fingerprint,
		StorageRef:  put.StorageRef,
		Created:     put.Created,
	}

	event := types.ChangeEvent{
		Subgraph:    c.config.Subgraph,
		Environment: c.config.Environment,
		Fingerprint: put.Fingerprint,
		EmittedAt:   time.Now().UTC(),
	}
	if err := c.publish(ctx, event); err != nil {
		// The write is durable; a lost event is repaired by the heartbeat
		c.logger.Warn("Schema stored but change event publish failed",
			"key", c.key.String(), "fingerprint", put.Fingerprint, "error", err)
		return result, nil
	}

	result.EventPublished = true
	c.logger.Info("Schema emitted",
		"key", c.key.String(), "fingerprint", put.Fingerprint, "created", result.Created)
	return result, nil
}

func (c *Client) publish(ctx context.Context, event types.ChangeEvent) error {
	if c.events == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Client", "publish", "no event publisher configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	subject := c.config.SubjectPrefix + "." + c.config.Environment + "." + c.config.Subgraph
	return c.events.PublishToStream(ctx, subject, data)
}

// StartHeartbeat re-emits the schema returned by source on a fixed interval
// until ctx is cancelled. The heartbeat is a safety net for the window where
// a store write succeeded but its ChangeEvent was lost.
func (c *Client) StartHeartbeat(ctx context.Context, interval time.Duration, source func(context.Context) (string, error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				text, err := source(ctx)
				if err != nil {
					c.logger.Warn("Heartbeat schema source failed", "key", c.key.String(), "error", err)
					continue
				}
				if _, err := c.Emit(ctx, text); err != nil {
					c.logger.Warn("Heartbeat emission failed", "key", c.key.String(), "error", err)
				}
			}
		}
	}()
}
