// Package masking selects masked-LM prediction targets for a token sequence.
//
// MaskSpans groups word pieces into maskable units, samples n-gram spans of
// units until a prediction budget is used up and applies the 80/10/10
// substitution rule to every selected position. With permutation enabled a
// second, disjoint set of positions has its tokens shuffled among
// themselves.
package masking

import (
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/soundprediction/textheads/pkg/types"
)

// continuationPrefix marks a word piece that continues the previous piece.
const continuationPrefix = "##"

// Vocabulary supplies replacement tokens for random substitution.
type Vocabulary interface {
	RandomToken(rng *rand.Rand) string
}

// Options configures MaskSpans.
type Options struct {
	MaskedLMProb         float64
	MaxPredictionsPerSeq int

	// NGram is the longest span, counted in maskable units. Values below
	// one are treated as one.
	NGram int

	// FavorShorterNGram weights span length n by 1/n instead of uniformly.
	FavorShorterNGram bool

	WholeWordMask bool
	DoPermutation bool
}

// Result is the outcome of MaskSpans. Positions and Labels are parallel:
// the primary selection in ascending order, followed by the permutation
// selection, if any, in shuffled order.
type Result struct {
	Tokens    []string
	Positions []int
	Labels    []string
}

// MaskedTokens returns the selection as position/original records.
func (r Result) MaskedTokens() []types.MaskedToken {
	out := make([]types.MaskedToken, len(r.Positions))
	for i, p := range r.Positions {
		out[i] = types.MaskedToken{Position: p, Original: r.Labels[i]}
	}
	return out
}

// MaskSpans selects and substitutes masked positions in tokens. The input
// slice is not modified.
func MaskSpans(tokens []string, opts Options, vocab Vocabulary, rng *rand.Rand) Result {
	out := Result{Tokens: slices.Clone(tokens)}

	units := maskableUnits(tokens, opts.WholeWordMask)
	maskable := 0
	for _, u := range units {
		maskable += len(u)
	}
	if maskable == 0 || opts.MaskedLMProb <= 0 || opts.MaxPredictionsPerSeq <= 0 {
		return out
	}

	budget := int(math.RoundToEven(float64(maskable) * opts.MaskedLMProb))
	budget = min(opts.MaxPredictionsPerSeq, max(1, budget))

	ngram := max(1, opts.NGram)
	weights := spanWeights(ngram, opts.FavorShorterNGram)
	covered := roaring.New()

	primary := selectSpans(units, budget, ngram, weights, covered, rng)
	slices.Sort(primary)
	for _, pos := range primary {
		out.Tokens[pos] = substitute(tokens[pos], vocab, rng)
		out.Positions = append(out.Positions, pos)
		out.Labels = append(out.Labels, tokens[pos])
	}

	if !opts.DoPermutation {
		return out
	}

	selected := selectSpans(units, budget, ngram, weights, covered, rng)
	slices.Sort(selected)
	permuted := slices.Clone(selected)
	rng.Shuffle(len(permuted), func(i, j int) {
		permuted[i], permuted[j] = permuted[j], permuted[i]
	})
	snapshot := slices.Clone(out.Tokens)
	for k, pos := range selected {
		out.Tokens[pos] = snapshot[permuted[k]]
	}
	for _, pos := range permuted {
		out.Positions = append(out.Positions, pos)
		out.Labels = append(out.Labels, tokens[pos])
	}
	return out
}

// maskableUnits groups token positions into units. Structural separators
// are never part of a unit. With wholeWord set, continuation pieces join
// the unit of the piece before them.
func maskableUnits(tokens []string, wholeWord bool) [][]int {
	var units [][]int
	prevMaskable := false
	for i, tok := range tokens {
		if tok == types.TokenCLS || tok == types.TokenSEP {
			prevMaskable = false
			continue
		}
		if wholeWord && prevMaskable && strings.HasPrefix(tok, continuationPrefix) {
			last := len(units) - 1
			units[last] = append(units[last], i)
			continue
		}
		units = append(units, []int{i})
		prevMaskable = true
	}
	return units
}

// spanWeights returns unnormalised weights for span lengths 1..ngram.
func spanWeights(ngram int, favorShorter bool) []float64 {
	w := make([]float64, ngram)
	for n := 1; n <= ngram; n++ {
		if favorShorter {
			w[n-1] = 1 / float64(n)
		} else {
			w[n-1] = 1
		}
	}
	return w
}

// sampleLength draws a span length in [1, len(weights)].
func sampleLength(weights []float64, rng *rand.Rand) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	u := rng.Float64() * total
	for i, w := range weights {
		u -= w
		if u < 0 {
			return i + 1
		}
	}
	return len(weights)
}

// selectSpans picks positions from units until budget positions are chosen
// or every start unit has been tried. Chosen positions are added to covered.
func selectSpans(units [][]int, budget, ngram int, weights []float64, covered *roaring.Bitmap, rng *rand.Rand) []int {
	starts := rng.Perm(len(units))
	var chosen []int

	for _, start := range starts {
		if len(chosen) >= budget {
			break
		}
		longest := min(ngram, len(units)-start)
		n := sampleLength(weights[:longest], rng)

		span := flattenUnits(units[start : start+n])
		for n > 1 && len(chosen)+len(span) > budget {
			n--
			span = flattenUnits(units[start : start+n])
		}
		if len(chosen)+len(span) > budget || anyCovered(covered, span) {
			continue
		}
		for _, pos := range span {
			covered.Add(uint32(pos))
		}
		chosen = append(chosen, span...)
	}
	return chosen
}

func flattenUnits(units [][]int) []int {
	var out []int
	for _, u := range units {
		out = append(out, u...)
	}
	return out
}

func anyCovered(covered *roaring.Bitmap, positions []int) bool {
	for _, pos := range positions {
		if covered.Contains(uint32(pos)) {
			return true
		}
	}
	return false
}

// substitute applies the 80/10/10 rule: [MASK], the original token, or a
// random vocabulary token.
func substitute(original string, vocab Vocabulary, rng *rand.Rand) string {
	if rng.Float64() < 0.8 {
		return types.TokenMASK
	}
	if rng.Float64() < 0.5 || vocab == nil {
		return original
	}
	if tok := vocab.RandomToken(rng); tok != "" {
		return tok
	}
	return original
}
