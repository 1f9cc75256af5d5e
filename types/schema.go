// Package types defines the core entities of the schema registry: subgraph
// schema versions, change events, supergraph versions, and deployment records.
package types

import (
	"fmt"
	"strings"
	"time"
)

// SubgraphKey identifies one subgraph's schema within an environment.
type SubgraphKey struct {
	Environment string `json:"environment"`
	Subgraph    string `json:"subgraph"`
}

// nameMetachars are characters reserved by NATS subject and KV key syntax.
// Environment and subgraph names become subject tokens and dot-joined key
// segments; a name containing one of these would corrupt subject routing
// and key-prefix matching.
const nameMetachars = ".*> \t\r\n"

// Validate checks that both parts of the key are present and usable as
// subject tokens.
func (k SubgraphKey) Validate() error {
	if k.Environment == "" {
		return fmt.Errorf("subgraph key: environment is required")
	}
	if k.Subgraph == "" {
		return fmt.Errorf("subgraph key: subgraph name is required")
	}
	if strings.ContainsAny(k.Environment, nameMetachars) {
		return fmt.Errorf("subgraph key: environment %q contains reserved characters", k.Environment)
	}
	if strings.ContainsAny(k.Subgraph, nameMetachars) {
		return fmt.Errorf("subgraph key: subgraph name %q contains reserved characters", k.Subgraph)
	}
	return nil
}

// String returns the canonical "environment/subgraph" form.
func (k SubgraphKey) String() string {
	return k.Environment + "/" + k.Subgraph
}

// SubgraphSchema is the current-pointer record for one (subgraph, environment)
// pair. History is retained in the object store; this record always describes
// the most recently emitted version.
type SubgraphSchema struct {
	Subgraph           string    `json:"subgraph"`
	Environment        string    `json:"environment"`
	ContentFingerprint string    `json:"content_fingerprint"`
	StorageRef         string    `json:"storage_ref"`
	EmittedAt          time.Time `json:"emitted_at"`
	EmitterInstanceID  string    `json:"emitter_instance_id"`
}

// Key returns the subgraph key for this record.
func (s SubgraphSchema) Key() SubgraphKey {
	return SubgraphKey{Environment: s.Environment, Subgraph: s.Subgraph}
}

// ChangeEvent announces a schema emission. Events are hints to re-check the
// store, never authoritative data: delivery is at-least-once and may be
// duplicated or reordered.
type ChangeEvent struct {
	Subgraph    string    `json:"subgraph"`
	Environment string    `json:"environment"`
	Fingerprint string    `json:"fingerprint"`
	EmittedAt   time.Time `json:"emitted_at"`
}
