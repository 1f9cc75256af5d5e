package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/c360/schemaregistry/errors"
	"github.com/c360/schemaregistry/natsclient"
	"github.com/c360/schemaregistry/types"
)

// DeploymentLedger owns DeploymentRecord transitions and the per-environment
// serving pointer. Only the deployment controller writes here.
type DeploymentLedger struct {
	deployments KV
	logger      *slog.Logger
}

// NewDeploymentLedger creates a deployment ledger over the given buckets
func NewDeploymentLedger(b *Buckets, logger *slog.Logger) *DeploymentLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeploymentLedger{deployments: b.Deployments, logger: logger}
}

func deploymentKey(environment, recordID string) string {
	return environment + ".d." + recordID
}

func servingKey(environment string) string {
	return environment + ".serving"
}

type servingPointer struct {
	RecordID  string    `json:"record_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Append creates a new deployment record
func (l *DeploymentLedger) Append(ctx context.Context, rec *types.DeploymentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "DeploymentLedger", "Append", "encode record")
	}
	if _, err := l.deployments.Create(ctx, deploymentKey(rec.Environment, rec.RecordID), data); err != nil {
		return errors.WrapTransient(err, "DeploymentLedger", "Append", "append record")
	}
	return nil
}

// Update persists a record after a status transition. The full transition
// history travels inside the record, so the ledger stays append-only at the
// history level even though the KV value is replaced.
func (l *DeploymentLedger) Update(ctx context.Context, rec *types.DeploymentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "DeploymentLedger", "Update", "encode record")
	}
	if _, err := l.deployments.Put(ctx, deploymentKey(rec.Environment, rec.RecordID), data); err != nil {
		return errors.WrapTransient(err, "DeploymentLedger", "Update", "write record")
	}
	return nil
}

// Get fetches one deployment record
func (l *DeploymentLedger) Get(ctx context.Context, environment, recordID string) (*types.DeploymentRecord, error) {
	entry, err := l.deployments.Get(ctx, deploymentKey(environment, recordID))
	if err != nil {
		if err == natsclient.ErrKVKeyNotFound {
			return nil, errors.WrapInvalid(errors.ErrDeploymentNotFound, "DeploymentLedger", "Get", recordID)
		}
		return nil, errors.WrapTransient(err, "DeploymentLedger", "Get", "read record")
	}

	var rec types.DeploymentRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, errors.WrapInvalid(err, "DeploymentLedger", "Get", "decode record")
	}
	return &rec, nil
}

// List returns all deployment records for an environment, oldest first
func (l *DeploymentLedger) List(ctx context.Context, environment string) ([]*types.DeploymentRecord, error) {
	keys, err := l.deployments.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "DeploymentLedger", "List", "list records")
	}

	prefix := environment + ".d."
	var records []*types.DeploymentRecord
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rec, err := l.Get(ctx, environment, strings.TrimPrefix(k, prefix))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StartedAt.Before(records[j].StartedAt) })
	return records, nil
}

// Serving returns the record currently serving traffic, or
// ErrDeploymentNotFound when the environment has never been cut over.
func (l *DeploymentLedger) Serving(ctx context.Context, environment string) (*types.DeploymentRecord, error) {
	entry, err := l.deployments.Get(ctx, servingKey(environment))
	if err != nil {
		if err == natsclient.ErrKVKeyNotFound {
			return nil, errors.WrapInvalid(errors.ErrDeploymentNotFound, "DeploymentLedger", "Serving", environment)
		}
		return nil, errors.WrapTransient(err, "DeploymentLedger", "Serving", "read serving pointer")
	}

	var ptr servingPointer
	if err := json.Unmarshal(entry.Value, &ptr); err != nil {
		return nil, errors.WrapInvalid(err, "DeploymentLedger", "Serving", "decode serving pointer")
	}
	return l.Get(ctx, environment, ptr.RecordID)
}

// SetServing atomically flips the serving pointer to recordID. expectedPrev
// guards the flip: it must match the record currently serving ("" for a
// first deployment), otherwise ErrServingPointerMoved is returned and the
// caller re-evaluates.
func (l *DeploymentLedger) SetServing(ctx context.Context, environment, recordID, expectedPrev string) error {
	err := l.deployments.UpdateWithRetry(ctx, servingKey(environment), func(current []byte) ([]byte, error) {
		prev := ""
		if current != nil {
			var ptr servingPointer
			if err := json.Unmarshal(current, &ptr); err == nil {
				prev = ptr.RecordID
			}
		}
		if prev != expectedPrev {
			return nil, errors.ErrServingPointerMoved
		}
		return json.Marshal(servingPointer{RecordID: recordID, UpdatedAt: time.Now().UTC()})
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrServingPointerMoved) {
			return errors.WrapInvalid(errors.ErrServingPointerMoved, "DeploymentLedger", "SetServing", environment)
		}
		return errors.WrapTransient(err, "DeploymentLedger", "SetServing", "flip serving pointer")
	}

	l.logger.Info("Serving pointer flipped", "environment", environment, "record_id", recordID)
	return nil
}
