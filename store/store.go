// Package store persists the registry's state on JetStream: immutable schema
// documents in an ObjectStore bucket, current pointers and the supergraph /
// deployment ledgers in KV buckets. Writes are append-only; nothing in this
// package deletes history.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/schemaregistry/errors"
	"github.com/c360/schemaregistry/natsclient"
	"github.com/c360/schemaregistry/sdl"
	"github.com/c360/schemaregistry/types"
)

// Bucket names
const (
	CurrentsBucket    = "schema-currents"
	VersionsBucket    = "supergraph-versions"
	DeploymentsBucket = "deployments"
	DocumentsBucket   = "schema-documents"
)

// KV abstracts the key-value operations the store needs. Satisfied by
// natsclient.KVStore and by testutil.MemKV.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) error
	Keys(ctx context.Context) ([]string, error)
	History(ctx context.Context, key string) ([]*natsclient.KVEntry, error)
}

// Objects abstracts immutable object storage. Satisfied by
// natsclient.ObjectBucket and by testutil.MemObjects.
type Objects interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]natsclient.ObjectInfo, error)
}

// Buckets holds the provisioned storage for one registry instance
type Buckets struct {
	Currents    KV
	Versions    KV
	Deployments KV
	Documents   Objects
}

// Bootstrap provisions (or binds to) the registry's buckets
func Bootstrap(ctx context.Context, client *natsclient.Client) (*Buckets, error) {
	currents, err := client.EnsureKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  CurrentsBucket,
		History: 10,
	})
	if err != nil {
		return nil, err
	}

	versions, err := client.EnsureKeyValue(ctx, jetstream.KeyValueConfig{Bucket: VersionsBucket})
	if err != nil {
		return nil, err
	}

	deployments, err := client.EnsureKeyValue(ctx, jetstream.KeyValueConfig{Bucket: DeploymentsBucket})
	if err != nil {
		return nil, err
	}

	documents, err := client.EnsureObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: DocumentsBucket})
	if err != nil {
		return nil, err
	}

	return &Buckets{
		Currents:    natsclient.NewKVStore(currents),
		Versions:    natsclient.NewKVStore(versions),
		Deployments: natsclient.NewKVStore(deployments),
		Documents:   natsclient.NewObjectBucket(documents),
	}, nil
}

// PutResult reports the outcome of a schema store write
type PutResult struct {
	Fingerprint string
	StorageRef  string
	Created     bool // false when the fingerprint matched the current version
}

// CurrentSchema is a current pointer record together with its document text
type CurrentSchema struct {
	Record types.SubgraphSchema
	Text   string
}

// SchemaStore owns SubgraphSchema history: immutable documents addressed by
// content fingerprint plus a current pointer per (environment, subgraph).
type SchemaStore struct {
	currents  KV
	documents Objects
	logger    *slog.Logger
}

// NewSchemaStore creates a schema store over the given buckets
func NewSchemaStore(b *Buckets, logger *slog.Logger) *SchemaStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchemaStore{currents: b.Currents, documents: b.Documents, logger: logger}
}

func currentKey(key types.SubgraphKey) string {
	return key.Environment + "." + key.Subgraph
}

// ObjectRef returns the storage layout name for one schema version:
// {environment}/{subgraph}/{fingerprint}.graphql
func ObjectRef(key types.SubgraphKey, fingerprint string) string {
	return key.Environment + "/" + key.Subgraph + "/" + fingerprint + ".graphql"
}

// Put appends a schema version. The document is fingerprinted canonically;
// if the fingerprint matches the current pointer the write is a no-op.
// Concurrent writers resolve last-writer-wins by emission time.
func (s *SchemaStore) Put(ctx context.Context, key types.SubgraphKey, text, emitterID string) (*PutResult, error) {
	if err := key.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "SchemaStore", "Put", "validate key")
	}

	fingerprint, err := sdl.Fingerprint(text)
	if err != nil {
		return nil, errors.WrapInvalid(err, "SchemaStore", "Put", "fingerprint schema")
	}

	ref := ObjectRef(key, fingerprint)

	// Fast path for unchanged re-emissions (startup, heartbeat)
	if entry, err := s.currents.Get(ctx, currentKey(key)); err == nil {
		var current types.SubgraphSchema
		if err := json.Unmarshal(entry.Value, &current); err == nil && current.ContentFingerprint == fingerprint {
			return &PutResult{Fingerprint: fingerprint, StorageRef: current.StorageRef, Created: false}, nil
		}
	}

	if err := s.documents.Put(ctx, ref, []byte(text)); err != nil {
		return nil, errors.WrapTransient(err, "SchemaStore", "Put", "store document")
	}

	record := types.SubgraphSchema{
		Subgraph:           key.Subgraph,
		Environment:        key.Environment,
		ContentFingerprint: fingerprint,
		StorageRef:         ref,
		EmittedAt:          time.Now().UTC(),
		EmitterInstanceID:  emitterID,
	}

	created := true
	err = s.currents.UpdateWithRetry(ctx, currentKey(key), func(current []byte) ([]byte, error) {
		if current != nil {
			var existing types.SubgraphSchema
			if err := json.Unmarshal(current, &existing); err == nil {
				if existing.ContentFingerprint == fingerprint {
					created = false
					return current, nil // lost the race to an identical write
				}
				if existing.EmittedAt.After(record.EmittedAt) {
					created = false
					return current, nil // a newer emission already landed
				}
			}
		}
		return json.Marshal(record)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "SchemaStore", "Put", "update current pointer")
	}

	if created {
		s.logger.Info("Schema version stored",
			"subgraph", key.Subgraph, "environment", key.Environment, "fingerprint", fingerprint)
	}
	return &PutResult{Fingerprint: fingerprint, StorageRef: ref, Created: created}, nil
}

// GetCurrent returns the most recently written version for a key
func (s *SchemaStore) GetCurrent(ctx context.Context, key types.SubgraphKey) (*CurrentSchema, error) {
	entry, err := s.currents.Get(ctx, currentKey(key))
	if err != nil {
		if err == natsclient.ErrKVKeyNotFound {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "SchemaStore", "GetCurrent", key.String())
		}
		return nil, errors.WrapTransient(err, "SchemaStore", "GetCurrent", "read current pointer")
	}

	var record types.SubgraphSchema
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, errors.WrapInvalid(err, "SchemaStore", "GetCurrent", "decode current pointer")
	}

	text, err := s.documents.Get(ctx, record.StorageRef)
	if err != nil {
		return nil, errors.WrapTransient(err, "SchemaStore", "GetCurrent", "read document")
	}

	return &CurrentSchema{Record: record, Text: string(text)}, nil
}

// History returns all stored versions for a key, oldest first
func (s *SchemaStore) History(ctx context.Context, key types.SubgraphKey) ([]natsclient.ObjectInfo, error) {
	prefix := key.Environment + "/" + key.Subgraph + "/"
	infos, err := s.documents.List(ctx, prefix)
	if err != nil {
		return nil, errors.WrapTransient(err, "SchemaStore", "History", "list documents")
	}
	return infos, nil
}

// ListSubgraphs returns the subgraph names registered in an environment,
// i.e. those with a current pointer. The store is the single source of
// truth for composition membership.
func (s *SchemaStore) ListSubgraphs(ctx context.Context, environment string) ([]string, error) {
	keys, err := s.currents.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "SchemaStore", "ListSubgraphs", "list current pointers")
	}

	var names []string
	prefix := environment + "."
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			names = append(names, strings.TrimPrefix(k, prefix))
		}
	}
	return names, nil
}

// Document fetches a raw schema document by storage reference
func (s *SchemaStore) Document(ctx context.Context, ref string) (string, error) {
	data, err := s.documents.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("read document %s: %w", ref, err)
	}
	return string(data), nil
}
