package etaomega

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch is matched by every ShapeMismatchError
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrMissingOmegaMetadata is matched by every MissingOmegaMetadataError
	ErrMissingOmegaMetadata = errors.New("missing omega metadata")
)

// ShapeMismatchError reports panels that disagree on frame count, omega
// ranges or polar map shape.
type ShapeMismatchError struct {
	Panel string
	// Ring is -1 when the mismatch is not specific to a ring
	Ring   int
	Detail string
}

func (e *ShapeMismatchError) Error() string {
	if e.Ring >= 0 {
		return fmt.Sprintf("shape mismatch: panel %s ring %d: %s", e.Panel, e.Ring, e.Detail)
	}
	return fmt.Sprintf("shape mismatch: panel %s: %s", e.Panel, e.Detail)
}

func (e *ShapeMismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}

// MissingOmegaMetadataError reports a panel without per-frame omega ranges.
type MissingOmegaMetadataError struct {
	Panel string
}

func (e *MissingOmegaMetadataError) Error() string {
	return fmt.Sprintf("panel %s has no omega metadata", e.Panel)
}

func (e *MissingOmegaMetadataError) Is(target error) bool {
	return target == ErrMissingOmegaMetadata
}

// ExtractionError wraps a failure of the polar map extractor.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return "polar map extraction failed: " + e.Err.Error()
}

func (e *ExtractionError) Unwrap() error { return e.Err }
