package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/schemaregistry/errors"
	"github.com/c360/schemaregistry/testutil"
	"github.com/c360/schemaregistry/types"
)

const usersSchema = `
type Query {
  user(id: ID!): User
}

type User {
  id: ID!
  name: String
}
`

func memBuckets() *Buckets {
	return &Buckets{
		Currents:    testutil.NewMemKV(),
		Versions:    testutil.NewMemKV(),
		Deployments: testutil.NewMemKV(),
		Documents:   testutil.NewMemObjects(),
	}
}

func TestSchemaStorePutAndGetCurrent(t *testing.T) {
	ctx := context.Background()
	s := NewSchemaStore(memBuckets(), nil)
	key := types.SubgraphKey{Environment: "prod", Subgraph: "users"}

	res, err := s.Put(ctx, key, usersSchema, "emitter-1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEmpty(t, res.Fingerprint)
	assert.Equal(t, "prod/users/"+res.Fingerprint+".graphql", res.StorageRef)

	current, err := s.GetCurrent(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, res.Fingerprint, current.Record.ContentFingerprint)
	assert.Equal(t, usersSchema, current.Text)
	assert.Equal(t, "emitter-1", current.Record.EmitterInstanceID)
}

func TestSchemaStorePutUnchangedIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := NewSchemaStore(memBuckets(), nil)
	key := types.SubgraphKey{Environment: "prod", Subgraph: "users"}

	first, err := s.Put(ctx, key, usersSchema, "emitter-1")
	require.NoError(t, err)
	require.True(t, first.Created)

	// Reformatted but semantically identical document from another instance
	reformatted := "type Query { user(id: ID!): User }\ntype User { id: ID!\n name: String }"
	second, err := s.Put(ctx, key, reformatted, "emitter-2")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	history, err := s.History(ctx, key)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSchemaStoreAppendsHistory(t *testing.T) {
	ctx := context.Background()
	s := NewSchemaStore(memBuckets(), nil)
	key := types.SubgraphKey{Environment: "prod", Subgraph: "users"}

	_, err := s.Put(ctx, key, usersSchema, "emitter-1")
	require.NoError(t, err)
	v2 := usersSchema + "\ntype Address { street: String }\n"
	res2, err := s.Put(ctx, key, v2, "emitter-1")
	require.NoError(t, err)
	require.True(t, res2.Created)

	history, err := s.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, history, 2, "old versions are retained")

	current, err := s.GetCurrent(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, res2.Fingerprint, current.Record.ContentFingerprint)
}

func TestSchemaStoreListSubgraphs(t *testing.T) {
	ctx := context.Background()
	s := NewSchemaStore(memBuckets(), nil)

	_, err := s.Put(ctx, types.SubgraphKey{Environment: "prod", Subgraph: "users"}, usersSchema, "e")
	require.NoError(t, err)
	_, err = s.Put(ctx, types.SubgraphKey{Environment: "prod", Subgraph: "billing"}, "type Query { invoice: ID }", "e")
	require.NoError(t, err)
	_, err = s.Put(ctx, types.SubgraphKey{Environment: "staging", Subgraph: "users"}, usersSchema, "e")
	require.NoError(t, err)

	names, err := s.ListSubgraphs(ctx, "prod")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"users", "billing"}, names)
}

func TestSchemaStoreRejectsInvalidSchema(t *testing.T) {
	s := NewSchemaStore(memBuckets(), nil)
	_, err := s.Put(context.Background(), types.SubgraphKey{Environment: "prod", Subgraph: "users"}, "type User {", "e")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSchemaStoreRejectsReservedKeyCharacters(t *testing.T) {
	ctx := context.Background()
	s := NewSchemaStore(memBuckets(), nil)

	// A dotted name would collide with the env.subgraph key layout and
	// leak into other environments' prefix scans
	_, err := s.Put(ctx, types.SubgraphKey{Environment: "prod", Subgraph: "eu.users"}, usersSchema, "e")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = s.Put(ctx, types.SubgraphKey{Environment: "prod.eu", Subgraph: "users"}, usersSchema, "e")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	names, err := s.ListSubgraphs(ctx, "prod")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestVersionLedgerAppendAndLatestValid(t *testing.T) {
	ctx := context.Background()
	b := memBuckets()
	l := NewVersionLedger(b, nil)

	_, err := l.LatestValid(ctx, "prod")
	assert.ErrorIs(t, err, errors.ErrNoValidVersion)

	v1 := &types.SupergraphVersion{
		VersionID:          "aaa111",
		Environment:        "prod",
		MemberFingerprints: map[string]string{"users": "f1"},
		ComposedAt:         time.Now().Add(-time.Minute),
		Status:             types.VersionValid,
	}
	require.NoError(t, l.Append(ctx, v1, "type Query { ok: Boolean }"))
	assert.Equal(t, "prod/supergraph/aaa111.graphql", v1.DocumentRef)

	latest, err := l.LatestValid(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, "aaa111", latest.VersionID)

	doc, err := l.Document(ctx, latest)
	require.NoError(t, err)
	assert.Equal(t, "type Query { ok: Boolean }", doc)
}

func TestVersionLedgerInvalidVersionDoesNotAdvancePointer(t *testing.T) {
	ctx := context.Background()
	l := NewVersionLedger(memBuckets(), nil)

	valid := &types.SupergraphVersion{
		VersionID: "v-valid", Environment: "prod",
		ComposedAt: time.Now().Add(-time.Minute), Status: types.VersionValid,
	}
	require.NoError(t, l.Append(ctx, valid, "type Query { ok: Boolean }"))

	invalid := &types.SupergraphVersion{
		VersionID: "v-invalid", Environment: "prod",
		ComposedAt: time.Now(), Status: types.VersionInvalid,
		ValidationErrors: []types.ValidationError{{Type: "User", Field: "name", Detail: "type mismatch"}},
	}
	require.NoError(t, l.Append(ctx, invalid, ""))

	latest, err := l.LatestValid(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, "v-valid", latest.VersionID, "invalid compositions never advance the pointer")
}

func TestVersionLedgerAppendIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewVersionLedger(memBuckets(), nil)

	v := &types.SupergraphVersion{
		VersionID: "dup", Environment: "prod",
		ComposedAt: time.Now(), Status: types.VersionValid,
	}
	require.NoError(t, l.Append(ctx, v, "type Query { ok: Boolean }"))
	require.NoError(t, l.Append(ctx, v, "type Query { ok: Boolean }"))
}

func TestDeploymentLedgerServingPointerCAS(t *testing.T) {
	ctx := context.Background()
	l := NewDeploymentLedger(memBuckets(), nil)
	now := time.Now()

	rec := &types.DeploymentRecord{
		RecordID: "d1", Environment: "prod", SupergraphVersion: "v1",
		Status: types.DeploymentPending, StartedAt: now,
		History: []types.StatusTransition{{Status: types.DeploymentPending, At: now}},
	}
	require.NoError(t, l.Append(ctx, rec))

	_, err := l.Serving(ctx, "prod")
	assert.ErrorIs(t, err, errors.ErrDeploymentNotFound)

	require.NoError(t, l.SetServing(ctx, "prod", "d1", ""))
	serving, err := l.Serving(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, "d1", serving.RecordID)

	// A flip guarded by a stale expectation must fail
	err = l.SetServing(ctx, "prod", "d2", "")
	assert.ErrorIs(t, err, errors.ErrServingPointerMoved)

	rec2 := &types.DeploymentRecord{
		RecordID: "d2", Environment: "prod", SupergraphVersion: "v2",
		Status: types.DeploymentPending, StartedAt: now.Add(time.Second),
		History: []types.StatusTransition{{Status: types.DeploymentPending, At: now.Add(time.Second)}},
	}
	require.NoError(t, l.Append(ctx, rec2))
	require.NoError(t, l.SetServing(ctx, "prod", "d2", "d1"))
}

func TestDeploymentLedgerList(t *testing.T) {
	ctx := context.Background()
	l := NewDeploymentLedger(memBuckets(), nil)
	now := time.Now()

	for i, id := range []string{"d1", "d2", "d3"} {
		rec := &types.DeploymentRecord{
			RecordID: id, Environment: "prod",
			Status:    types.DeploymentPending,
			StartedAt: now.Add(time.Duration(i) * time.Second),
			History:   []types.StatusTransition{{Status: types.DeploymentPending, At: now}},
		}
		require.NoError(t, l.Append(ctx, rec))
	}

	records, err := l.List(ctx, "prod")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "d1", records[0].RecordID)
	assert.Equal(t, "d3", records[2].RecordID)
}
