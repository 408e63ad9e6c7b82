// Package common holds the error taxonomy shared by the tokenizer, executor,
// label resolver and engine packages.
package common

import (
	"errors"
	"fmt"
)

// Sentinel causes wrapped by the typed errors below
var (
	ErrMalformedVocab     = errors.New("malformed vocabulary")
	ErrInvalidLabelTable  = errors.New("invalid label table")
	ErrBackendUnavailable = errors.New("backend not available in this build")
	ErrUnknownBackend     = errors.New("unknown backend")
	ErrInvalidSeqLen      = errors.New("max sequence length must be at least 2")
)

// VocabLoadError reports a missing or malformed vocabulary artifact.
type VocabLoadError struct {
	Path string
	Err  error
}

func (e *VocabLoadError) Error() string {
	return fmt.Sprintf("load vocabulary %s: %v", e.Path, e.Err)
}

func (e *VocabLoadError) Unwrap() error { return e.Err }

// ModelLoadError reports a missing, corrupt or shape-incompatible weight artifact.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// ShapeMismatchError reports an input whose length differs from the model's
// fixed input length.
type ShapeMismatchError struct {
	What string
	Want int
	Got  int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch for %s: want length %d, got %d", e.What, e.Want, e.Got)
}

// LabelTableMismatchError reports logits and label table of different sizes,
// i.e. artifacts from different training runs.
type LabelTableMismatchError struct {
	Logits int
	Labels int
}

func (e *LabelTableMismatchError) Error() string {
	return fmt.Sprintf("label table mismatch: %d scores for %d labels", e.Logits, e.Labels)
}

// NewModelLoadError wraps err as a ModelLoadError for path
func NewModelLoadError(path string, format string, args ...interface{}) error {
	return &ModelLoadError{Path: path, Err: fmt.Errorf(format, args...)}
}

// NewVocabLoadError wraps err as a VocabLoadError for path
func NewVocabLoadError(path string, format string, args ...interface{}) error {
	return &VocabLoadError{Path: path, Err: fmt.Errorf(format, args...)}
}
