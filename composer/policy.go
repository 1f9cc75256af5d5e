package composer

import (
	"fmt"

	"github.com/c360/schemaregistry/sdl"
	"github.com/c360/schemaregistry/types"
)

// RemovalAction selects how a backward-incompatible removal is treated
type RemovalAction string

// Removal actions
const (
	RemovalWarn  RemovalAction = "warn"
	RemovalError RemovalAction = "error"
)

// Policy is the configurable validation policy applied on top of the merge.
// The merge itself decides conflicts; the policy decides how to treat
// changes that are mergeable but backward-incompatible against the
// previously valid supergraph.
type Policy struct {
	FieldRemoval RemovalAction `json:"field_removal" yaml:"field_removal"`
}

// DefaultPolicy warns on removals rather than failing composition: a removal
// still passes the health-check gate before any traffic moves.
func DefaultPolicy() Policy {
	return Policy{FieldRemoval: RemovalWarn}
}

// Validate checks the policy configuration
func (p Policy) Validate() error {
	switch p.FieldRemoval {
	case RemovalWarn, RemovalError, "":
		return nil
	default:
		return fmt.Errorf("field_removal must be %q or %q, got %q", RemovalWarn, RemovalError, p.FieldRemoval)
	}
}

// findRemovals reports types and fields present in the previous supergraph
// document but absent from the new one. Both documents are canonical output
// of Merge, so parsing cannot fail on well-formed ledger state; a parse
// failure is reported as a single finding rather than aborting composition.
func findRemovals(prevDoc, newDoc string) []string {
	prev, err := sdl.Parse("previous", prevDoc)
	if err != nil {
		return []string{fmt.Sprintf("previous supergraph unparseable: %v", err)}
	}
	next, err := sdl.Parse("next", newDoc)
	if err != nil {
		return []string{fmt.Sprintf("next supergraph unparseable: %v", err)}
	}

	nextTypes := make(map[string]map[string]bool)
	for _, def := range next.Definitions {
		fields := make(map[string]bool, len(def.Fields))
		for _, f := range def.Fields {
			fields[f.Name] = true
		}
		nextTypes[def.Name] = fields
	}

	var removals []string
	for _, def := range prev.Definitions {
		nextFields, ok := nextTypes[def.Name]
		if !ok {
			removals = append(removals, fmt.Sprintf("type %s removed", def.Name))
			continue
		}
		for _, f := range def.Fields {
			if !nextFields[f.Name] {
				removals = append(removals, fmt.Sprintf("field %s.%s removed", def.Name, f.Name))
			}
		}
	}
	return removals
}

// apply turns removal findings into warnings or validation errors per the policy
func (p Policy) apply(removals []string) (warnings []string, errs []types.ValidationError) {
	if len(removals) == 0 {
		return nil, nil
	}
	if p.FieldRemoval == RemovalError {
		for _, r := range removals {
			errs = append(errs, types.ValidationError{Type: "schema", Detail: r + " (removal policy: error)"})
		}
		return nil, errs
	}
	return removals, nil
}
