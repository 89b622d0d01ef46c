// Package sampler builds sentence-pair instances from tokenized documents.
//
// BuildInstances walks one document, greedily packing segments into chunks
// close to a target length, splits each chunk into an A group and a B group,
// and with probability 0.5 swaps the B group for a run of segments drawn
// from a different document. The resulting IsRandomNext flag is the
// sentence-order / next-sentence label.
package sampler

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/soundprediction/textheads/pkg/types"
)

// ReservedPositions is the number of slots kept free for [CLS] and two [SEP].
const ReservedPositions = 3

// randomDocumentAttempts bounds retries when the random document draw hits
// the target document or an empty document.
const randomDocumentAttempts = 10

// ErrDocumentIndex is returned when the target index is outside the corpus.
var ErrDocumentIndex = errors.New("document index out of range")

// Options configures BuildInstances.
type Options struct {
	// MaxSeqLength is the full example length, special tokens included.
	MaxSeqLength int

	// ShortSeqProb is the probability of drawing a shorter target length.
	ShortSeqProb float64

	// Truncate is applied to the longer group first when a pair is too long.
	Truncate Policy
}

// BuildInstances produces the instances for documents[target].
func BuildInstances(documents []types.Document, target int, opts Options, rng *rand.Rand) ([]types.Instance, error) {
	if target < 0 || target >= len(documents) {
		return nil, fmt.Errorf("%w: %d (corpus has %d documents)", ErrDocumentIndex, target, len(documents))
	}

	document := documents[target]
	maxNumTokens := opts.MaxSeqLength - ReservedPositions
	if len(document) == 0 || maxNumTokens < 1 {
		return nil, nil
	}

	targetLength := maxNumTokens
	if maxNumTokens >= 2 && rng.Float64() < opts.ShortSeqProb {
		targetLength = 2 + rng.IntN(maxNumTokens-1)
	}

	var instances []types.Instance
	var chunk []types.Segment
	chunkLength := 0

	for i := 0; i < len(document); i++ {
		segment := document[i]
		chunk = append(chunk, segment)
		chunkLength += len(segment)

		if i != len(document)-1 && chunkLength < targetLength {
			continue
		}

		aEnd := splitPoint(rng, len(chunk))
		tokensA := concat(chunk[:aEnd])

		var tokensB types.Segment
		isRandomNext := false
		if len(chunk) > 1 && rng.Float64() < 0.5 {
			if randomDoc, ok := pickOtherDocument(documents, target, rng); ok {
				isRandomNext = true
				targetB := targetLength - len(tokensA)
				for j := rng.IntN(len(randomDoc)); j < len(randomDoc); j++ {
					tokensB = append(tokensB, randomDoc[j]...)
					if len(tokensB) >= targetB {
						break
					}
				}
				// Segments after the split were not used; put them back.
				i -= len(chunk) - aEnd
			}
		}
		if !isRandomNext {
			tokensB = concat(chunk[aEnd:])
		}

		chunk = nil
		chunkLength = 0

		if len(tokensA) == 0 && len(tokensB) == 0 {
			continue
		}

		segments := []types.Segment{tokensA}
		if len(tokensB) > 0 {
			segments = append(segments, tokensB)
		}
		instances = append(instances, types.Instance{
			Segments:     TruncateSegments(segments, targetLength, opts.Truncate),
			IsRandomNext: isRandomNext,
		})
	}

	return instances, nil
}

// splitPoint returns the number of chunk segments that form the A group:
// uniform in [1, n-1] for n >= 2, otherwise 1.
func splitPoint(rng *rand.Rand, n int) int {
	if n < 2 {
		return 1
	}
	return 1 + rng.IntN(n-1)
}

// pickOtherDocument draws a non-empty document other than target.
func pickOtherDocument(documents []types.Document, target int, rng *rand.Rand) (types.Document, bool) {
	if len(documents) < 2 {
		return nil, false
	}
	for attempt := 0; attempt < randomDocumentAttempts; attempt++ {
		idx := rng.IntN(len(documents))
		if idx != target && len(documents[idx]) > 0 {
			return documents[idx], true
		}
	}
	return nil, false
}

func concat(segments []types.Segment) types.Segment {
	n := 0
	for _, s := range segments {
		n += len(s)
	}
	out := make(types.Segment, 0, n)
	for _, s := range segments {
		out = append(out, s...)
	}
	return out
}
