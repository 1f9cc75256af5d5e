// Package composer merges subgraph schema documents into one supergraph
// document. The merge itself is a pure function over an in-memory snapshot,
// so determinism and conflict behavior are testable without storage or
// network dependencies.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/c360/schemaregistry/sdl"
	"github.com/c360/schemaregistry/types"
)

// SubgraphDocument is one subgraph's contribution to a composition
type SubgraphDocument struct {
	Name        string
	Fingerprint string
	Schema      string
}

// Snapshot is an internally consistent read of every registered subgraph in
// an environment: all documents fetched before any merging begins.
type Snapshot struct {
	Environment string
	Subgraphs   []SubgraphDocument
}

// MemberFingerprints returns the subgraph name to fingerprint map for this snapshot
func (s Snapshot) MemberFingerprints() map[string]string {
	out := make(map[string]string, len(s.Subgraphs))
	for _, sg := range s.Subgraphs {
		out[sg.Name] = sg.Fingerprint
	}
	return out
}

// MergeResult is the outcome of merging one snapshot. Either Document is a
// canonical supergraph document and Errors is empty, or Errors explains the
// conflicts and Document is empty.
type MergeResult struct {
	Document string
	Errors   []types.ValidationError
}

// OK reports whether the merge produced a valid document
func (r MergeResult) OK() bool {
	return len(r.Errors) == 0
}

var rootTypeNames = map[string]bool{"Query": true, "Mutation": true, "Subscription": true}

type contribution struct {
	subgraph string
	def      *ast.Definition
}

// Merge combines the snapshot's subgraph documents under federation-style
// ownership rules: root operation types take the union of their fields;
// every other named type must resolve to exactly one structural definition.
// Identical redundant definitions merge trivially; structurally differing
// definitions of the same name are conflicts. Output is canonical text:
// merging the same snapshot twice yields byte-identical documents.
func Merge(snap Snapshot) MergeResult {
	subgraphs := append([]SubgraphDocument(nil), snap.Subgraphs...)
	sort.Slice(subgraphs, func(i, j int) bool { return subgraphs[i].Name < subgraphs[j].Name })

	var errs []types.ValidationError

	// Parse and normalize every document before merging anything
	byType := make(map[string][]contribution)
	var typeNames []string
	for _, sg := range subgraphs {
		doc, err := sdl.Parse(sg.Name, sg.Schema)
		if err != nil {
			errs = append(errs, types.ValidationError{
				Type:      "schema",
				Subgraphs: []string{sg.Name},
				Detail:    fmt.Sprintf("unparseable document: %v", err),
			})
			continue
		}
		sdl.SortDocument(doc)

		defs := append(append(ast.DefinitionList{}, doc.Definitions...), doc.Extensions...)
		for _, def := range defs {
			if _, seen := byType[def.Name]; !seen {
				typeNames = append(typeNames, def.Name)
			}
			byType[def.Name] = append(byType[def.Name], contribution{subgraph: sg.Name, def: def})
		}
	}
	if len(errs) > 0 {
		return MergeResult{Errors: errs}
	}

	sort.Strings(typeNames)

	merged := &ast.SchemaDocument{}
	for _, name := range typeNames {
		contribs := byType[name]

		var def *ast.Definition
		var defErrs []types.ValidationError
		if rootTypeNames[name] {
			def, defErrs = mergeRootType(name, contribs)
		} else {
			def, defErrs = mergeNamedType(name, contribs)
		}
		if len(defErrs) > 0 {
			errs = append(errs, defErrs...)
			continue
		}
		merged.Definitions = append(merged.Definitions, def)
	}

	if len(errs) > 0 {
		return MergeResult{Errors: errs}
	}

	sdl.SortDocument(merged)
	document := sdl.FormatDocument(merged)

	// The merged document must stand alone as a loadable schema
	if _, err := gqlparser.LoadSchema(&ast.Source{Name: "supergraph", Input: document}); err != nil {
		errs = append(errs, types.ValidationError{
			Type:      "schema",
			Subgraphs: subgraphNames(subgraphs),
			Detail:    fmt.Sprintf("merged document fails validation: %v", err),
		})
		return MergeResult{Errors: errs}
	}

	return MergeResult{Document: document}
}

// mergeRootType unions the fields of a root operation type across subgraphs.
// The same field declared by two subgraphs must carry an identical signature.
func mergeRootType(name string, contribs []contribution) (*ast.Definition, []types.ValidationError) {
	var errs []types.ValidationError

	type ownedField struct {
		subgraph string
		field    *ast.FieldDefinition
	}
	owners := make(map[string]ownedField)
	var fieldNames []string

	for _, c := range contribs {
		for _, field := range c.def.Fields {
			owner, seen := owners[field.Name]
			if !seen {
				owners[field.Name] = ownedField{subgraph: c.subgraph, field: field}
				fieldNames = append(fieldNames, field.Name)
				continue
			}
			if fieldSignature(owner.field) != fieldSignature(field) {
				errs = append(errs, types.ValidationError{
					Type:      name,
					Field:     field.Name,
					Subgraphs: []string{owner.subgraph, c.subgraph},
					Detail: fmt.Sprintf("conflicting declarations: %s vs %s",
						fieldSignature(owner.field), fieldSignature(field)),
				})
			}
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	sort.Strings(fieldNames)
	def := &ast.Definition{Kind: ast.Object, Name: name}
	for _, fn := range fieldNames {
		def.Fields = append(def.Fields, owners[fn].field)
	}
	return def, nil
}

// mergeNamedType resolves a non-root type to its single authoritative
// definition. Structurally identical definitions collapse; anything else is
// a conflict reported against the two contributing subgraphs.
func mergeNamedType(name string, contribs []contribution) (*ast.Definition, []types.ValidationError) {
	first := contribs[0]
	firstForm := sdl.FormatDefinition(first.def)

	for _, c := range contribs[1:] {
		if sdl.FormatDefinition(c.def) == firstForm {
			continue
		}
		return nil, describeConflict(name, first, c)
	}
	return first.def, nil
}

// describeConflict pinpoints how two definitions of the same name differ,
// field by field where possible.
func describeConflict(name string, a, b contribution) []types.ValidationError {
	pair := []string{a.subgraph, b.subgraph}

	if a.def.Kind != b.def.Kind {
		return []types.ValidationError{{
			Type:      name,
			Subgraphs: pair,
			Detail:    fmt.Sprintf("kind mismatch: %s vs %s", a.def.Kind, b.def.Kind),
		}}
	}

	var errs []types.ValidationError
	aFields := fieldMap(a.def)
	bFields := fieldMap(b.def)

	for _, fn := range sortedKeys(aFields) {
		af := aFields[fn]
		bf, ok := bFields[fn]
		if !ok {
			errs = append(errs, types.ValidationError{
				Type: name, Field: fn, Subgraphs: pair,
				Detail: fmt.Sprintf("declared by %s but missing from %s", a.subgraph, b.subgraph),
			})
			continue
		}
		if fieldSignature(af) != fieldSignature(bf) {
			errs = append(errs, types.ValidationError{
				Type: name, Field: fn, Subgraphs: pair,
				Detail: fmt.Sprintf("conflicting declarations: %s vs %s", fieldSignature(af), fieldSignature(bf)),
			})
		}
	}
	for _, fn := range sortedKeys(bFields) {
		if _, ok := aFields[fn]; !ok {
			errs = append(errs, types.ValidationError{
				Type: name, Field: fn, Subgraphs: pair,
				Detail: fmt.Sprintf("declared by %s but missing from %s", b.subgraph, a.subgraph),
			})
		}
	}

	if len(errs) == 0 {
		// Difference lies outside the field list (enum values, union
		// members, interfaces, directives)
		errs = append(errs, types.ValidationError{
			Type: name, Subgraphs: pair,
			Detail: "structurally differing definitions",
		})
	}
	return errs
}

// fieldSignature renders a field declaration for structural comparison
func fieldSignature(f *ast.FieldDefinition) string {
	var b strings.Builder
	b.WriteString(f.Name)
	if len(f.Arguments) > 0 {
		b.WriteString("(")
		for i, arg := range f.Arguments {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(arg.Name)
			b.WriteString(": ")
			b.WriteString(arg.Type.String())
			if arg.DefaultValue != nil {
				b.WriteString(" = ")
				b.WriteString(arg.DefaultValue.String())
			}
		}
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(f.Type.String())
	return b.String()
}

func fieldMap(def *ast.Definition) map[string]*ast.FieldDefinition {
	out := make(map[string]*ast.FieldDefinition, len(def.Fields))
	for _, f := range def.Fields {
		out[f.Name] = f
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func subgraphNames(subgraphs []SubgraphDocument) []string {
	names := make([]string, 0, len(subgraphs))
	for _, sg := range subgraphs {
		names = append(names, sg.Name)
	}
	return names
}
