package artifact

import (
	"errors"
	"fmt"
)

// PipelineError is the typed error carried across component boundaries.
// Codes are shaped E-<STAGE>-<KIND>, e.g. E-M3-GATE-FAILED.
type PipelineError struct {
	Code          string                 `json:"code"`
	Module        string                 `json:"module"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Err           error                  `json:"-"`
}

// Error implements error.
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %v", e.Code, e.Module, e.Err)
	}
	return fmt.Sprintf("%s [%s]", e.Code, e.Module)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *PipelineError) Unwrap() error { return e.Err }

// NewError builds a PipelineError with an underlying cause.
func NewError(code, module, correlationID string, err error) *PipelineError {
	return &PipelineError{Code: code, Module: module, CorrelationID: correlationID, Err: err}
}

// AsPipelineError extracts a PipelineError from an error chain, wrapping
// unknown errors as E-<module>-INTERNAL so nothing escapes untyped.
func AsPipelineError(err error, module, correlationID string) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return &PipelineError{
		Code:          fmt.Sprintf("E-%s-INTERNAL", module),
		Module:        module,
		CorrelationID: correlationID,
		Err:           err,
	}
}
