package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubgraphKeyValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     SubgraphKey
		wantErr bool
	}{
		{"valid", SubgraphKey{Environment: "prod", Subgraph: "users"}, false},
		{"valid with dash", SubgraphKey{Environment: "prod-eu", Subgraph: "user-accounts"}, false},
		{"missing environment", SubgraphKey{Subgraph: "users"}, true},
		{"missing subgraph", SubgraphKey{Environment: "prod"}, true},
		{"dot in environment", SubgraphKey{Environment: "prod.eu", Subgraph: "users"}, true},
		{"dot in subgraph", SubgraphKey{Environment: "prod", Subgraph: "user.accounts"}, true},
		{"subject wildcard", SubgraphKey{Environment: "prod", Subgraph: "*"}, true},
		{"subject tail wildcard", SubgraphKey{Environment: ">", Subgraph: "users"}, true},
		{"whitespace", SubgraphKey{Environment: "prod", Subgraph: "user accounts"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidationErrorString(t *testing.T) {
	err := ValidationError{
		Type:      "User",
		Field:     "name",
		Subgraphs: []string{"accounts", "billing"},
		Detail:    "field type mismatch: String vs Int",
	}
	assert.Equal(t, "User.name: field type mismatch: String vs Int", err.Error())

	typeOnly := ValidationError{Type: "User", Detail: "kind mismatch"}
	assert.Equal(t, "User: kind mismatch", typeOnly.Error())
}

func TestDeploymentRecordTransitions(t *testing.T) {
	now := time.Now()
	rec := &DeploymentRecord{
		RecordID:    "d1",
		Environment: "prod",
		Status:      DeploymentPending,
		StartedAt:   now,
		History:     []StatusTransition{{Status: DeploymentPending, At: now}},
	}
	assert.False(t, rec.Resolved())
	assert.False(t, rec.RollbackEligible())

	rec.Transition(DeploymentActive, now.Add(time.Second), "health checks passed")
	assert.True(t, rec.Resolved())
	assert.Equal(t, DeploymentActive, rec.Status)
	assert.True(t, rec.RollbackEligible())

	// Superseded records that once served remain rollback-eligible
	rec.Transition(DeploymentSuperseded, now.Add(time.Minute), "newer version promoted")
	assert.True(t, rec.RollbackEligible())
	assert.Len(t, rec.History, 3)
}

func TestFailedRecordNotRollbackEligible(t *testing.T) {
	now := time.Now()
	rec := &DeploymentRecord{Status: DeploymentPending, History: []StatusTransition{{Status: DeploymentPending, At: now}}}
	rec.Transition(DeploymentFailed, now.Add(time.Second), "probe failure")
	assert.False(t, rec.RollbackEligible())
}
