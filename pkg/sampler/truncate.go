package sampler

import (
	"errors"
	"fmt"

	"github.com/soundprediction/textheads/pkg/types"
)

// ErrUnknownPolicy is returned when a truncation policy name is not recognised.
var ErrUnknownPolicy = errors.New("unknown truncation policy")

// Policy selects how over-long segment groups are shortened. Every policy
// trims the currently longest segment first; ties go to the later segment.
type Policy string

const (
	// PolicyLIFO drops tokens from the back of the longest segment.
	PolicyLIFO Policy = "LIFO"
	// PolicyFIFO drops tokens from the front of the longest segment.
	PolicyFIFO Policy = "FIFO"
	// PolicyLongerFO alternates between the front and the back of the
	// longest segment, splitting the loss evenly between both ends.
	PolicyLongerFO Policy = "longer-FO"
)

// ParsePolicy converts a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyLIFO, PolicyFIFO, PolicyLongerFO:
		return Policy(s), nil
	case "":
		return PolicyLIFO, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// TruncateSegments shortens segments until their combined length is at most
// maxLen. The input slices are re-sliced, never written to.
func TruncateSegments(segments []types.Segment, maxLen int, policy Policy) []types.Segment {
	out := make([]types.Segment, len(segments))
	copy(out, segments)
	if maxLen < 0 {
		maxLen = 0
	}

	total := 0
	for _, s := range out {
		total += len(s)
	}

	fromFront := policy == PolicyFIFO
	for total > maxLen {
		idx := longest(out)
		if idx < 0 {
			break
		}
		if fromFront {
			out[idx] = out[idx][1:]
		} else {
			out[idx] = out[idx][:len(out[idx])-1]
		}
		total--
		if policy == PolicyLongerFO {
			fromFront = !fromFront
		}
	}
	return out
}

// longest returns the index of the longest non-empty segment, preferring
// the later one on ties, or -1 when all segments are empty.
func longest(segments []types.Segment) int {
	idx, best := -1, 0
	for i, s := range segments {
		if len(s) > 0 && len(s) >= best {
			idx, best = i, len(s)
		}
	}
	return idx
}
