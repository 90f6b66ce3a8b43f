// Package artifact defines the typed inter-stage artifacts of the content
// pipeline: the versioned Envelope wrapper, the Plan/Scaffold/SectionDoc/
// ReaderDoc payloads, the tagged content blocks and asset specs, and the
// typed error that crosses component boundaries.
package artifact

import (
	"fmt"
	"time"

	"readerforge/internal/canon"
)

// Stage identifies the producer of an artifact.
type Stage string

const (
	StagePlan     Stage = "plan"
	StageScaffold Stage = "scaffold"
	StageSection  Stage = "section"
	StageAssemble Stage = "assemble"
)

// Envelope wraps every inter-stage artifact. Once sealed (ContentHash set)
// the payload is immutable.
type Envelope[T any] struct {
	Version            string    `json:"version"`
	Producer           Stage     `json:"producer"`
	Timestamp          time.Time `json:"timestamp"`
	CorrelationID      string    `json:"correlationId"`
	ContentHash        string    `json:"contentHash"`
	CompatibleVersions []string  `json:"compatibleVersions"`
	IdempotencyKey     string    `json:"idempotencyKey,omitempty"`
	Payload            T         `json:"payload"`
}

// Seal stamps the envelope with the canonical content hash of its payload
// and the emission timestamp. Returns an error if the payload cannot be
// canonicalized.
func Seal[T any](producer Stage, version, correlationID string, payload T) (Envelope[T], error) {
	hash, err := canon.Hash(payload)
	if err != nil {
		return Envelope[T]{}, fmt.Errorf("seal %s envelope: %w", producer, err)
	}
	return Envelope[T]{
		Version:            version,
		Producer:           producer,
		Timestamp:          time.Now().UTC(),
		CorrelationID:      correlationID,
		ContentHash:        hash,
		CompatibleVersions: CompatibleVersions(producer, version),
		Payload:            payload,
	}, nil
}

// Verify recomputes the payload hash and compares it to the sealed one.
func (e Envelope[T]) Verify() error {
	hash, err := canon.Hash(e.Payload)
	if err != nil {
		return err
	}
	if hash != e.ContentHash {
		return &PipelineError{
			Code:          "E-ENVELOPE-INTEGRITY",
			Module:        string(e.Producer),
			CorrelationID: e.CorrelationID,
			Data:          map[string]interface{}{"expected": e.ContentHash, "actual": hash},
		}
	}
	return nil
}

// CurrentVersion is the envelope version every stage emits today.
const CurrentVersion = "1.0.0"

// compatibilityMatrix centrally enumerates which envelope versions each
// consumer stage accepts, ordered by preference. Stages consult this instead
// of asserting ranges ad hoc.
var compatibilityMatrix = map[Stage][]string{
	StagePlan:     {"1.0.0"},
	StageScaffold: {"1.0.0"},
	StageSection:  {"1.0.0"},
	StageAssemble: {"1.0.0"},
}

// CompatibleVersions returns the accepted versions for artifacts produced at
// the given stage/version. The produced version always leads the list.
func CompatibleVersions(producer Stage, version string) []string {
	accepted := compatibilityMatrix[producer]
	out := make([]string, 0, len(accepted)+1)
	out = append(out, version)
	for _, v := range accepted {
		if v != version {
			out = append(out, v)
		}
	}
	return out
}

// CheckVersion reports whether a consumer at the given stage can accept an
// envelope version. Incompatibility is terminal for a pipeline.
func CheckVersion(consumer Stage, version string) error {
	for _, v := range compatibilityMatrix[consumer] {
		if v == version {
			return nil
		}
	}
	return &PipelineError{
		Code:   fmt.Sprintf("E-%s-INPUT-INCOMPATIBLE", stageCode(consumer)),
		Module: string(consumer),
		Data: map[string]interface{}{
			"version":  version,
			"accepted": compatibilityMatrix[consumer],
		},
	}
}

// stageCode maps stages to the module codes used in error identifiers.
func stageCode(s Stage) string {
	switch s {
	case StagePlan:
		return "M1"
	case StageScaffold:
		return "M2"
	case StageSection:
		return "M3"
	case StageAssemble:
		return "M4"
	default:
		return "SYS"
	}
}
