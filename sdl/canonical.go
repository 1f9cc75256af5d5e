// Package sdl provides canonicalization and fingerprinting of GraphQL schema
// documents. The canonical form is whitespace- and comment-insensitive, so
// formatting-only edits to a subgraph schema never register as changes.
package sdl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/c360/schemaregistry/errors"
)

// Parse parses SDL into a schema document without cross-definition validation.
// name is used for error positions only.
func Parse(name, schema string) (*ast.SchemaDocument, error) {
	if strings.TrimSpace(schema) == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidSchema, "sdl", "Parse", "empty schema document")
	}

	doc, err := parser.ParseSchema(&ast.Source{Name: name, Input: schema})
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%s: %w", name, err), "sdl", "Parse", "parse schema document")
	}
	return doc, nil
}

// Canonicalize returns the canonical text form of an SDL document: parsed,
// definition and member order normalized, re-formatted. Two documents that
// differ only in whitespace, comments, or declaration order canonicalize to
// the same text.
func Canonicalize(schema string) (string, error) {
	doc, err := Parse("schema", schema)
	if err != nil {
		return "", err
	}
	SortDocument(doc)
	return FormatDocument(doc), nil
}

// Fingerprint returns the content fingerprint of an SDL document: the sha256
// of its canonical form, hex encoded. A pure function of the canonical text -
// identical schemas fingerprint identically regardless of emitter.
func Fingerprint(schema string) (string, error) {
	canonical, err := Canonicalize(schema)
	if err != nil {
		return "", err
	}
	return HashDocument(canonical), nil
}

// HashDocument hashes already-canonical text. Callers that hold a canonical
// document (the composer's merged output) use this directly.
func HashDocument(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// SortDocument normalizes declaration order in place: definitions by name,
// and fields, arguments, enum values, union members, and implemented
// interfaces by name within each definition.
func SortDocument(doc *ast.SchemaDocument) {
	sortDefinitions(doc.Definitions)
	sortDefinitions(doc.Extensions)
	sort.SliceStable(doc.Directives, func(i, j int) bool {
		return doc.Directives[i].Name < doc.Directives[j].Name
	})
}

func sortDefinitions(defs ast.DefinitionList) {
	sort.SliceStable(defs, func(i, j int) bool {
		return defs[i].Name < defs[j].Name
	})
	for _, def := range defs {
		SortDefinition(def)
	}
}

// SortDefinition normalizes member order within one definition.
func SortDefinition(def *ast.Definition) {
	sort.SliceStable(def.Fields, func(i, j int) bool {
		return def.Fields[i].Name < def.Fields[j].Name
	})
	for _, field := range def.Fields {
		sort.SliceStable(field.Arguments, func(i, j int) bool {
			return field.Arguments[i].Name < field.Arguments[j].Name
		})
	}
	sort.SliceStable(def.EnumValues, func(i, j int) bool {
		return def.EnumValues[i].Name < def.EnumValues[j].Name
	})
	sort.Strings(def.Types)
	sort.Strings(def.Interfaces)
}

// FormatDocument renders a schema document to its text form.
func FormatDocument(doc *ast.SchemaDocument) string {
	var buf strings.Builder
	formatter.NewFormatter(&buf).FormatSchemaDocument(doc)
	return buf.String()
}

// FormatDefinition renders a single definition to text. Used to decide
// structural equality of definitions contributed by different subgraphs:
// after SortDocument normalization, identical renderings are identical
// definitions.
func FormatDefinition(def *ast.Definition) string {
	doc := &ast.SchemaDocument{Definitions: ast.DefinitionList{def}}
	return FormatDocument(doc)
}
