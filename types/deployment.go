package types

import "time"

// DeploymentStatus is the state of one cutover attempt.
type DeploymentStatus string

// Deployment statuses
const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentActive     DeploymentStatus = "active"
	DeploymentSuperseded DeploymentStatus = "superseded"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
	DeploymentFailed     DeploymentStatus = "failed"
)

// HealthCheckResult summarizes the probe phase of a cutover.
type HealthCheckResult struct {
	Healthy  bool          `json:"healthy"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Detail   string        `json:"detail,omitempty"`
}

// StatusTransition is one entry in a deployment record's append-only history.
type StatusTransition struct {
	Status DeploymentStatus `json:"status"`
	At     time.Time        `json:"at"`
	Reason string           `json:"reason,omitempty"`
}

// DeploymentRecord tracks one cutover attempt for an environment. Status
// changes append to History; Status always mirrors the latest entry. At most
// one record per environment is active at a time - that record is the
// serving pointer's target.
type DeploymentRecord struct {
	RecordID           string             `json:"record_id"`
	SupergraphVersion  string             `json:"supergraph_version_id"`
	Environment        string             `json:"environment"`
	GatewayRevision    string             `json:"gateway_revision,omitempty"`
	Status             DeploymentStatus   `json:"status"`
	History            []StatusTransition `json:"history"`
	HealthCheck        *HealthCheckResult `json:"health_check,omitempty"`
	StartedAt          time.Time          `json:"started_at"`
	ResolvedAt         time.Time          `json:"resolved_at"`
}

// Transition appends a status change and updates the summary status.
func (d *DeploymentRecord) Transition(status DeploymentStatus, at time.Time, reason string) {
	d.Status = status
	d.History = append(d.History, StatusTransition{Status: status, At: at, Reason: reason})
	switch status {
	case DeploymentActive, DeploymentFailed, DeploymentRolledBack, DeploymentSuperseded:
		d.ResolvedAt = at
	}
}

// Resolved reports whether the cutover attempt has reached a terminal state.
func (d *DeploymentRecord) Resolved() bool {
	return d.Status != DeploymentPending
}

// RollbackEligible reports whether this record's supergraph version may be
// re-promoted: it must have served traffic successfully at some point.
func (d *DeploymentRecord) RollbackEligible() bool {
	for _, t := range d.History {
		if t.Status == DeploymentActive {
			return true
		}
	}
	return false
}
