package types

import (
	"errors"
	"fmt"
)

// Special tokens understood by the example builder and the span masker.
const (
	TokenCLS  = "[CLS]"
	TokenSEP  = "[SEP]"
	TokenMASK = "[MASK]"
	TokenUNK  = "[UNK]"
	TokenPAD  = "[PAD]"
)

// Validation errors
var (
	ErrEmptyExample   = errors.New("example has no real tokens")
	ErrShapeViolation = errors.New("example shape violation")
)

// Segment is an ordered sequence of tokens, usually one sentence.
type Segment []string

// Len returns the number of tokens in the segment.
func (s Segment) Len() int { return len(s) }

// Document is an ordered sequence of segments.
type Document []Segment

// NumTokens returns the total token count across all segments.
func (d Document) NumTokens() int {
	n := 0
	for _, s := range d {
		n += len(s)
	}
	return n
}

// Instance is a candidate training pair built from one document.
// Segments holds at most two entries: the A group and, if present, the B group.
type Instance struct {
	Segments     []Segment `json:"segments"`
	IsRandomNext bool      `json:"is_random_next"`
}

// NumTokens returns the number of tokens across both groups.
func (i Instance) NumTokens() int {
	n := 0
	for _, s := range i.Segments {
		n += len(s)
	}
	return n
}

// MaskedToken records a masked position and the token it originally held.
type MaskedToken struct {
	Position int    `json:"position"`
	Original string `json:"original"`
}

// Example is the fixed-shape tuple consumed by an encoder and LM head.
type Example struct {
	InputIDs           []int32   `json:"input_ids" parquet:"input_ids"`
	InputMask          []int32   `json:"input_mask" parquet:"input_mask"`
	SegmentIDs         []int32   `json:"segment_ids" parquet:"segment_ids"`
	MaskedLMPositions  []int32   `json:"masked_lm_positions" parquet:"masked_lm_positions"`
	MaskedLMIDs        []int32   `json:"masked_lm_ids" parquet:"masked_lm_ids"`
	MaskedLMWeights    []float32 `json:"masked_lm_weights" parquet:"masked_lm_weights"`
	SentenceOrderLabel int32     `json:"sentence_order_label" parquet:"sentence_order_label"`
	SampleWeight       float32   `json:"sample_weight" parquet:"sample_weight"`
}

// NumRealTokens returns the number of non-padding positions.
func (e *Example) NumRealTokens() int {
	n := 0
	for _, m := range e.InputMask {
		n += int(m)
	}
	return n
}

// Validate checks the fixed-shape invariants of an example.
// seqLen and predLen are the expected token-level and mask-level lengths.
func (e *Example) Validate(seqLen, predLen int) error {
	if len(e.InputIDs) != seqLen || len(e.InputMask) != seqLen || len(e.SegmentIDs) != seqLen {
		return fmt.Errorf("%w: token arrays must have length %d", ErrShapeViolation, seqLen)
	}
	if len(e.MaskedLMPositions) != predLen || len(e.MaskedLMIDs) != predLen || len(e.MaskedLMWeights) != predLen {
		return fmt.Errorf("%w: mask arrays must have length %d", ErrShapeViolation, predLen)
	}
	real := e.NumRealTokens()
	if real == 0 {
		return ErrEmptyExample
	}
	for i := real; i < seqLen; i++ {
		if e.InputIDs[i] != 0 || e.InputMask[i] != 0 || e.SegmentIDs[i] != 0 {
			return fmt.Errorf("%w: padding position %d is not zero", ErrShapeViolation, i)
		}
	}
	for i, p := range e.MaskedLMPositions {
		if e.MaskedLMWeights[i] == 0 {
			if p != 0 || e.MaskedLMIDs[i] != 0 {
				return fmt.Errorf("%w: mask padding slot %d is not zero", ErrShapeViolation, i)
			}
			continue
		}
		if p < 0 || int(p) >= real {
			return fmt.Errorf("%w: masked position %d outside [0, %d)", ErrShapeViolation, p, real)
		}
	}
	return nil
}

// VerifierDecision is the per-example outcome of the retro-reader verifier.
type VerifierDecision struct {
	ScoreExternal  float64 `json:"score_external"`
	ScoreHasAnswer float64 `json:"score_has_answer"`
	ScoreNull      float64 `json:"score_null"`
	Score          float64 `json:"score"`
	Verified       bool    `json:"verified"`
}

// ContextKey is used for values stored on a context by the build pipeline.
type ContextKey string

const (
	// ContextKeyJobID carries the build job identifier.
	ContextKeyJobID ContextKey = "job_id"
	// ContextKeyShard carries the shard index being processed.
	ContextKeyShard ContextKey = "shard"
)
