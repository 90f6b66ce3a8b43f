package gates

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"readerforge/internal/artifact"
)

// RawArtifact wraps undecoded JSON with its declared kind so the schema gate
// can strict-decode it into the right type.
type RawArtifact struct {
	Kind string
	Raw  json.RawMessage
}

// SchemaGate strict-decodes artifacts (unknown fields forbidden) and runs
// struct-tag validation over the result.
type SchemaGate struct {
	validate *validator.Validate
}

// NewSchemaGate builds the gate with a fresh validator instance.
func NewSchemaGate() *SchemaGate {
	return &SchemaGate{validate: validator.New()}
}

func (g *SchemaGate) ID() string { return "schema" }

// Validate accepts either a typed artifact (struct validation only) or a
// RawArtifact (strict decode first).
func (g *SchemaGate) Validate(input interface{}) Result {
	switch v := input.(type) {
	case RawArtifact:
		return g.validateRaw(v)
	case artifact.AssetSpec:
		return g.validateAsset(&v)
	case *artifact.AssetSpec:
		return g.validateAsset(v)
	case artifact.Plan, *artifact.Plan,
		artifact.Scaffold, *artifact.Scaffold,
		artifact.SectionDoc, *artifact.SectionDoc,
		artifact.ReaderDoc, *artifact.ReaderDoc,
		artifact.ContentBlock, *artifact.ContentBlock,
		artifact.Request, *artifact.Request:
		return g.validateStruct(v)
	default:
		return skip(fmt.Sprintf("schema gate: no schema for %T", input))
	}
}

func (g *SchemaGate) validateRaw(raw RawArtifact) Result {
	target, ok := newArtifactValue(raw.Kind)
	if !ok {
		return fail(issue(KindSchemaInvalid, "unknown artifact kind %q", raw.Kind))
	}
	dec := json.NewDecoder(bytes.NewReader(raw.Raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fail(issue(KindSchemaInvalid, "strict decode of %s failed: %v", raw.Kind, err))
	}
	return g.validateStruct(target)
}

func newArtifactValue(kind string) (interface{}, bool) {
	switch kind {
	case ArtifactPlan:
		return &artifact.Plan{}, true
	case ArtifactScaffold:
		return &artifact.Scaffold{}, true
	case ArtifactBlock:
		return &artifact.ContentBlock{}, true
	case ArtifactAsset:
		return &artifact.AssetSpec{}, true
	case ArtifactReaderDoc:
		return &artifact.ReaderDoc{}, true
	default:
		return nil, false
	}
}

// validateAsset layers the identifier rule over struct validation. Compiled
// asset names become file names under the output root, so a name with path
// syntax is rejected here, before any join.
func (g *SchemaGate) validateAsset(spec *artifact.AssetSpec) Result {
	res := g.validateStruct(spec)
	switch spec.Kind {
	case artifact.AssetPlot, artifact.AssetDiagram, artifact.AssetChem:
		if !artifact.AssetNamePattern.MatchString(spec.Name()) {
			bad := issue(KindSchemaInvalid, "asset name %q must match %s",
				spec.Name(), artifact.AssetNamePattern)
			if res.Valid {
				return fail(bad)
			}
			res.Errors = append(res.Errors, bad)
		}
	}
	return res
}

func (g *SchemaGate) validateStruct(v interface{}) Result {
	err := g.validate.Struct(v)
	if err == nil {
		return pass()
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fail(issue(KindSchemaInvalid, "validation failed: %v", err))
	}
	var issues []Issue
	for _, fe := range verrs {
		kind := KindSchemaInvalid
		if fe.Tag() == "required" {
			kind = KindSchemaMissing
		}
		issues = append(issues, issue(kind, "field %s fails %q constraint",
			fieldPath(fe), fe.Tag()))
	}
	return fail(issues...)
}

// fieldPath drops the leading struct name from the validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
