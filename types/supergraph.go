package types

import "time"

// VersionStatus is the outcome of a composition attempt.
type VersionStatus string

// Version statuses
const (
	VersionValid   VersionStatus = "valid"
	VersionInvalid VersionStatus = "invalid"
)

// ValidationError describes one composition failure in operator-facing terms:
// which type (and field, when field-level) conflicted and which subgraphs
// contributed the incompatible definitions.
type ValidationError struct {
	Type      string   `json:"type"`
	Field     string   `json:"field,omitempty"`
	Subgraphs []string `json:"subgraphs"`
	Detail    string   `json:"detail"`
}

// Error implements the error interface.
func (v ValidationError) Error() string {
	name := v.Type
	if v.Field != "" {
		name = v.Type + "." + v.Field
	}
	return name + ": " + v.Detail
}

// SupergraphVersion records one composition attempt. Immutable once written;
// superseded by later versions, never mutated.
type SupergraphVersion struct {
	VersionID   string        `json:"version_id"`
	Environment string        `json:"environment"`
	// MemberFingerprints maps subgraph name to the content fingerprint used
	// in this composition.
	MemberFingerprints map[string]string `json:"member_fingerprints"`
	ComposedAt         time.Time         `json:"composed_at"`
	Status             VersionStatus     `json:"status"`
	ValidationErrors   []ValidationError `json:"validation_errors,omitempty"`
	Warnings           []string          `json:"warnings,omitempty"`
	DocumentRef        string            `json:"document_ref,omitempty"`
}

// IsValid reports whether this version is eligible for deployment.
func (v SupergraphVersion) IsValid() bool {
	return v.Status == VersionValid
}
