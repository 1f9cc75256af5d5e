package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/c360/schemaregistry/errors"
	"github.com/c360/schemaregistry/natsclient"
	"github.com/c360/schemaregistry/types"
)

// VersionLedger owns SupergraphVersion records. Only the composer writes
// here; records are immutable once appended.
type VersionLedger struct {
	versions  KV
	documents Objects
	logger    *slog.Logger
}

// NewVersionLedger creates a version ledger over the given buckets
func NewVersionLedger(b *Buckets, logger *slog.Logger) *VersionLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionLedger{versions: b.Versions, documents: b.Documents, logger: logger}
}

func versionKey(environment, versionID string) string {
	return environment + ".v." + versionID
}

func latestKey(environment string) string {
	return environment + ".latest"
}

// SupergraphRef returns the storage layout name for a composed document:
// {environment}/supergraph/{version_id}.graphql
func SupergraphRef(environment, versionID string) string {
	return environment + "/supergraph/" + versionID + ".graphql"
}

type latestPointer struct {
	VersionID  string    `json:"version_id"`
	ComposedAt time.Time `json:"composed_at"`
}

// Append persists a composition attempt. For valid versions the merged
// document is stored and the latest-valid pointer advances. Version IDs
// derive from the snapshot and its outcome, so re-appending an identical
// composition is a no-op.
func (l *VersionLedger) Append(ctx context.Context, v *types.SupergraphVersion, document string) error {
	if v.VersionID == "" || v.Environment == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "VersionLedger", "Append", "version id and environment are required")
	}

	if v.IsValid() {
		ref := SupergraphRef(v.Environment, v.VersionID)
		if err := l.documents.Put(ctx, ref, []byte(document)); err != nil {
			return errors.WrapTransient(err, "VersionLedger", "Append", "store supergraph document")
		}
		v.DocumentRef = ref
	}

	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "VersionLedger", "Append", "encode version record")
	}

	if _, err := l.versions.Create(ctx, versionKey(v.Environment, v.VersionID), data); err != nil {
		if err == natsclient.ErrKVKeyExists {
			// Deterministic composition of the same snapshot; already recorded
			return nil
		}
		return errors.WrapTransient(err, "VersionLedger", "Append", "append version record")
	}

	if !v.IsValid() {
		l.logger.Warn("Invalid supergraph version recorded",
			"environment", v.Environment, "version_id", v.VersionID, "errors", len(v.ValidationErrors))
		return nil
	}

	// Advance the latest-valid pointer; a concurrently appended newer
	// composition wins by composed_at.
	err = l.versions.UpdateWithRetry(ctx, latestKey(v.Environment), func(current []byte) ([]byte, error) {
		if current != nil {
			var existing latestPointer
			if err := json.Unmarshal(current, &existing); err == nil && existing.ComposedAt.After(v.ComposedAt) {
				return current, nil
			}
		}
		return json.Marshal(latestPointer{VersionID: v.VersionID, ComposedAt: v.ComposedAt})
	})
	if err != nil {
		return errors.WrapTransient(err, "VersionLedger", "Append", "advance latest pointer")
	}

	l.logger.Info("Supergraph version recorded",
		"environment", v.Environment, "version_id", v.VersionID, "members", len(v.MemberFingerprints))
	return nil
}

// Get fetches one version record
func (l *VersionLedger) Get(ctx context.Context, environment, versionID string) (*types.SupergraphVersion, error) {
	entry, err := l.versions.Get(ctx, versionKey(environment, versionID))
	if err != nil {
		if err == natsclient.ErrKVKeyNotFound {
			return nil, errors.WrapInvalid(errors.ErrVersionNotFound, "VersionLedger", "Get", versionID)
		}
		return nil, errors.WrapTransient(err, "VersionLedger", "Get", "read version record")
	}

	var v types.SupergraphVersion
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return nil, errors.WrapInvalid(err, "VersionLedger", "Get", "decode version record")
	}
	return &v, nil
}

// LatestValid returns the most recent valid version for an environment, or
// ErrNoValidVersion when none has been composed yet.
func (l *VersionLedger) LatestValid(ctx context.Context, environment string) (*types.SupergraphVersion, error) {
	entry, err := l.versions.Get(ctx, latestKey(environment))
	if err != nil {
		if err == natsclient.ErrKVKeyNotFound {
			return nil, errors.WrapInvalid(errors.ErrNoValidVersion, "VersionLedger", "LatestValid", environment)
		}
		return nil, errors.WrapTransient(err, "VersionLedger", "LatestValid", "read latest pointer")
	}

	var ptr latestPointer
	if err := json.Unmarshal(entry.Value, &ptr); err != nil {
		return nil, errors.WrapInvalid(err, "VersionLedger", "LatestValid", "decode latest pointer")
	}
	return l.Get(ctx, environment, ptr.VersionID)
}

// Document fetches the composed supergraph document for a valid version
func (l *VersionLedger) Document(ctx context.Context, v *types.SupergraphVersion) (string, error) {
	if !v.IsValid() || v.DocumentRef == "" {
		return "", errors.WrapInvalid(errors.ErrNoValidVersion, "VersionLedger", "Document", v.VersionID)
	}
	data, err := l.documents.Get(ctx, v.DocumentRef)
	if err != nil {
		return "", errors.WrapTransient(err, "VersionLedger", "Document", "read supergraph document")
	}
	return string(data), nil
}
