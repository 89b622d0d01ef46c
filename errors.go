package textheads

import (
	"errors"
	"fmt"

	"github.com/soundprediction/textheads/pkg/retroreader"
	"github.com/soundprediction/textheads/pkg/sampler"
)

var (
	// ErrConflictingLabels is returned when labels are supplied for training
	// while sentence-order labels are generated by sampling.
	ErrConflictingLabels = errors.New("labels must be empty when sentence sampling is enabled")
	// ErrMissingLabels is returned when training without sentence sampling
	// and no labels are supplied.
	ErrMissingLabels = errors.New("labels are required when sentence sampling is disabled")
	// ErrInvalidConfig is returned for an unusable LM configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInvalidInput is the cause of an InputError for malformed samples.
	ErrInvalidInput = errors.New("wrong input format")
	// ErrTooManyMasks is returned when an inference input holds more [MASK]
	// tokens than there are prediction slots.
	ErrTooManyMasks = errors.New("more masked tokens than prediction slots")

	ErrShapeMismatch    = retroreader.ErrShapeMismatch
	ErrLabelOutOfRange  = retroreader.ErrLabelOutOfRange
	ErrUnknownMechanism = retroreader.ErrUnknownMechanism
	ErrUnknownPolicy    = sampler.ErrUnknownPolicy
)

// InputError reports a sample that could not be converted. It aborts the
// whole batch.
type InputError struct {
	Index int
	Value string
	Err   error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input %d %q: %v", e.Index, e.Value, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// Is matches any *InputError target.
func (e *InputError) Is(target error) bool {
	_, ok := target.(*InputError)
	return ok
}
