package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/schemaregistry/types"
)

// scriptedComposer lets a test hold a composition in flight and control its
// outcome per call
type scriptedComposer struct {
	mu      sync.Mutex
	calls   int
	entered chan int      // receives the call number when Compose begins
	proceed chan struct{} // Compose blocks until the test sends here
	outcome func(call int) (*types.SupergraphVersion, error)
}

func (c *scriptedComposer) Compose(_ context.Context, environment string) (*types.SupergraphVersion, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()

	if c.entered != nil {
		c.entered <- n
	}
	if c.proceed != nil {
		<-c.proceed
	}
	return c.outcome(n)
}

type fakePromoter struct {
	mu       sync.Mutex
	promoted []string
	notify   chan string
	err      error
}

func (p *fakePromoter) Promote(_ context.Context, environment, versionID string) (*types.DeploymentRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.promoted = append(p.promoted, versionID)
	if p.notify != nil {
		p.notify <- versionID
	}
	return &types.DeploymentRecord{
		RecordID:          "rec-" + versionID,
		SupergraphVersion: versionID,
		Environment:       environment,
		Status:            types.DeploymentActive,
	}, nil
}

func (p *fakePromoter) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.promoted...)
}

func validVersion(call int) (*types.SupergraphVersion, error) {
	return &types.SupergraphVersion{
		VersionID:   fmt.Sprintf("v%d", call),
		Environment: "prod",
		Status:      types.VersionValid,
		ComposedAt:  time.Now().UTC(),
	}, nil
}

func awaitString(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for promotion")
		return ""
	}
}

func awaitInt(t *testing.T, ch chan int) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for composition")
		return 0
	}
}

func TestValidCompositionIsPromoted(t *testing.T) {
	composer := &scriptedComposer{outcome: validVersion}
	promoter := &fakePromoter{notify: make(chan string, 1)}
	svc, err := New(composer, promoter, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	svc.RequestRecompose("prod")
	assert.Equal(t, "v1", awaitString(t, promoter.notify))
}

func TestInvalidCompositionNotPromoted(t *testing.T) {
	composed := make(chan int, 1)
	composer := &scriptedComposer{
		entered: composed,
		outcome: func(call int) (*types.SupergraphVersion, error) {
			return &types.SupergraphVersion{
				VersionID:   fmt.Sprintf("v%d", call),
				Environment: "prod",
				Status:      types.VersionInvalid,
				ValidationErrors: []types.ValidationError{
					{Type: "User", Field: "name", Subgraphs: []string{"a", "b"}},
				},
			}, nil
		},
	}
	promoter := &fakePromoter{}
	svc, err := New(composer, promoter, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	svc.RequestRecompose("prod")
	awaitInt(t, composed)
	svc.Stop() // waits for the cycle to finish
	assert.Empty(t, promoter.all())
}

func TestCompositionErrorNotPromoted(t *testing.T) {
	composed := make(chan int, 1)
	composer := &scriptedComposer{
		entered: composed,
		outcome: func(int) (*types.SupergraphVersion, error) {
			return nil, stderrors.New("snapshot incomplete")
		},
	}
	promoter := &fakePromoter{}
	svc, err := New(composer, promoter, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	svc.RequestRecompose("prod")
	awaitInt(t, composed)
	svc.Stop()
	assert.Empty(t, promoter.all())
}

// A composition that finishes after a newer recomposition request arrived is
// stale: its result stays in the ledger for audit but is never promoted.
func TestStaleCompositionDiscarded(t *testing.T) {
	entered := make(chan int)
	proceed := make(chan struct{})
	composer := &scriptedComposer{entered: entered, proceed: proceed, outcome: validVersion}
	promoter := &fakePromoter{notify: make(chan string, 2)}
	svc, err := New(composer, promoter, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	svc.RequestRecompose("prod")
	require.Equal(t, 1, awaitInt(t, entered)) // composition 1 in flight

	// A newer request lands while composition 1 is still running
	svc.RequestRecompose("prod")
	proceed <- struct{}{} // composition 1 finishes, now stale

	// The queued request triggers composition 2
	require.Equal(t, 2, awaitInt(t, entered))
	proceed <- struct{}{}

	assert.Equal(t, "v2", awaitString(t, promoter.notify))
	assert.Equal(t, []string{"v2"}, promoter.all(), "the stale v1 result must never be promoted")
}

func TestEnvironmentsRunConcurrently(t *testing.T) {
	seen := make(map[string]bool)
	notify := make(chan string, 2)
	composer := &scriptedComposer{outcome: validVersion}
	promoter := &fakePromoter{notify: notify}
	svc, err := New(composer, promoter, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	svc.RequestRecompose("prod")
	svc.RequestRecompose("staging")

	for i := 0; i < 2; i++ {
		seen[awaitString(t, notify)] = true
	}
	assert.Len(t, seen, 2)
}

type fakeSource struct {
	mu      sync.Mutex
	started bool
	stopped bool
	err     error
}

func (s *fakeSource) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.started = true
	return nil
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func TestLifecycle(t *testing.T) {
	composer := &scriptedComposer{outcome: validVersion}
	promoter := &fakePromoter{}
	source := &fakeSource{}
	svc, err := New(composer, promoter, source, nil, nil)
	require.NoError(t, err)

	// Requests before Start are dropped
	svc.RequestRecompose("prod")
	assert.Empty(t, promoter.all())

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, source.started)
	require.Error(t, svc.Start(context.Background()), "double start is rejected")

	svc.Stop()
	assert.True(t, source.stopped)
	svc.Stop() // idempotent
}

func TestStartFailsWhenSourceFails(t *testing.T) {
	composer := &scriptedComposer{outcome: validVersion}
	promoter := &fakePromoter{}
	source := &fakeSource{err: stderrors.New("stream unavailable")}
	svc, err := New(composer, promoter, source, nil, nil)
	require.NoError(t, err)
	require.Error(t, svc.Start(context.Background()))
}
