package emitter

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/schemaregistry/errors"
	"github.com/c360/schemaregistry/pkg/retry"
	"github.com/c360/schemaregistry/store"
	"github.com/c360/schemaregistry/testutil"
	"github.com/c360/schemaregistry/types"
)

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *capturePublisher) PublishToStream(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

func newTestStore(t *testing.T) *store.SchemaStore {
	t.Helper()
	b := &store.Buckets{
		Currents:  testutil.NewMemKV(),
		Documents: testutil.NewMemObjects(),
	}
	return store.NewSchemaStore(b, nil)
}

func testConfig() Config {
	return Config{
		Subgraph:    "accounts",
		Environment: "prod",
		Retry:       retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 2.0},
	}
}

func TestEmitStoresSchemaAndPublishesEvent(t *testing.T) {
	schemas := newTestStore(t)
	events := &capturePublisher{}
	c, err := New(schemas, events, testConfig(), nil)
	require.NoError(t, err)

	result, err := c.Emit(context.Background(), `type Query { ping: String }`)
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.True(t, result.EventPublished)
	assert.NotEmpty(t, result.Fingerprint)

	require.Equal(t, 1, events.count())
	assert.Equal(t, "schema.events.prod.accounts", events.subjects[0])

	var event types.ChangeEvent
	require.NoError(t, json.Unmarshal(events.payloads[0], &event))
	assert.Equal(t, "accounts", event.Subgraph)
	assert.Equal(t, "prod", event.Environment)
	assert.Equal(t, result.Fingerprint, event.Fingerprint)
	assert.False(t, event.EmittedAt.IsZero())

	current, err := schemas.GetCurrent(context.Background(),
		types.SubgraphKey{Environment: "prod", Subgraph: "accounts"})
	require.NoError(t, err)
	assert.Equal(t, result.Fingerprint, current.Record.ContentFingerprint)
	assert.Equal(t, c.InstanceID(), current.Record.EmitterInstanceID)
}

func TestEmitUnchangedSchemaStillPublishes(t *testing.T) {
	schemas := newTestStore(t)
	events := &capturePublisher{}
	c, err := New(schemas, events, testConfig(), nil)
	require.NoError(t, err)

	first, err := c.Emit(context.Background(), `type Query { ping: String }`)
	require.NoError(t, err)
	require.True(t, first.Created)

	// Reformatted text, identical semantics: store no-op, event still out
	second, err := c.Emit(context.Background(), "type Query {\n  ping: String\n}\n")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.True(t, second.EventPublished)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, 2, events.count())
}

func TestEmitInvalidSchemaFailsWithoutRetry(t *testing.T) {
	schemas := newTestStore(t)
	events := &capturePublisher{}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 5
	c, err := New(schemas, events, cfg, nil)
	require.NoError(t, err)

	_, err = c.Emit(context.Background(), `type Query { broken`)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEmissionFailed)
	assert.Equal(t, 0, events.count())
}

type flakyWriter struct {
	inner    SchemaWriter
	failures int
	calls    int
}

func (w *flakyWriter) Put(ctx context.Context, key types.SubgraphKey, text, emitterID string) (*store.PutResult, error) {
	w.calls++
	if w.calls <= w.failures {
		return nil, stderrors.New("store unavailable")
	}
	return w.inner.Put(ctx, key, text, emitterID)
}

func TestEmitRetriesTransientStoreFailures(t *testing.T) {
	writer := &flakyWriter{inner: newTestStore(t), failures: 2}
	events := &capturePublisher{}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 5
	c, err := New(writer, events, cfg, nil)
	require.NoError(t, err)

	result, err := c.Emit(context.Background(), `type Query { ping: String }`)
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, 3, writer.calls)
}

func TestEmitSurvivesLostEventPublish(t *testing.T) {
	schemas := newTestStore(t)
	events := &capturePublisher{err: stderrors.New("stream unavailable")}
	c, err := New(schemas, events, testConfig(), nil)
	require.NoError(t, err)

	result, err := c.Emit(context.Background(), `type Query { ping: String }`)
	require.NoError(t, err, "durable write succeeded; lost event is not an emission failure")
	assert.True(t, result.Created)
	assert.False(t, result.EventPublished)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "valid", config: Config{Subgraph: "accounts", Environment: "prod"}},
		{name: "missing subgraph", config: Config{Environment: "prod"}, wantErr: true},
		{name: "missing environment", config: Config{Subgraph: "accounts"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "schema.events", tt.config.SubjectPrefix)
			assert.Equal(t, retry.Emission().MaxAttempts, tt.config.Retry.MaxAttempts)
		})
	}
}

func TestSchemaHandler(t *testing.T) {
	handler := SchemaHandler("s3cret", func() (string, error) {
		return `type Query { ping: String }`, nil
	}, nil)

	t.Run("authorized fetch", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/schema", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
		body, _ := io.ReadAll(rec.Body)
		assert.Contains(t, string(body), "type Query")
	})

	t.Run("wrong token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/schema", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/schema", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/schema", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("source failure", func(t *testing.T) {
		failing := SchemaHandler("s3cret", func() (string, error) {
			return "", stderrors.New("not ready")
		}, nil)
		req := httptest.NewRequest(http.MethodGet, "/schema", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()
		failing.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
