// Package tokenizer implements a WordPiece tokenizer over a vocab.Vocab.
//
// Tokenization runs in two passes: a basic pass that cleans the text,
// optionally lowercases and strips accents, and splits on whitespace,
// punctuation and CJK characters; then a greedy longest-match-first pass
// that breaks each word into pieces, marking continuation pieces with "##".
package tokenizer

import (
	"strings"
	"unicode"

	"github.com/soundprediction/textheads/pkg/types"
	"github.com/soundprediction/textheads/pkg/vocab"
	"golang.org/x/text/unicode/norm"
)

// ContinuationPrefix marks a word piece that continues the previous piece.
const ContinuationPrefix = "##"

// Tokenizer converts raw text to word pieces.
type Tokenizer interface {
	// Tokenize splits text into word pieces.
	Tokenize(text string) []string

	// Vocab returns the vocabulary backing the tokenizer.
	Vocab() *vocab.Vocab
}

// Option configures a WordPiece tokenizer.
type Option func(*WordPiece)

// WithLowerCase toggles lowercasing and accent stripping (default true).
func WithLowerCase(lower bool) Option {
	return func(w *WordPiece) { w.lowerCase = lower }
}

// WithMaxCharsPerWord sets the word length above which a word becomes [UNK].
func WithMaxCharsPerWord(n int) Option {
	return func(w *WordPiece) {
		if n > 0 {
			w.maxCharsPerWord = n
		}
	}
}

// WordPiece is the default Tokenizer.
type WordPiece struct {
	vocab           *vocab.Vocab
	lowerCase       bool
	maxCharsPerWord int
	unk             string
}

// New creates a WordPiece tokenizer.
func New(v *vocab.Vocab, opts ...Option) *WordPiece {
	w := &WordPiece{
		vocab:           v,
		lowerCase:       true,
		maxCharsPerWord: 100,
		unk:             types.TokenUNK,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Vocab implements Tokenizer.
func (w *WordPiece) Vocab() *vocab.Vocab { return w.vocab }

// LowerCase reports whether the tokenizer lowercases its input.
func (w *WordPiece) LowerCase() bool { return w.lowerCase }

// Tokenize implements Tokenizer.
func (w *WordPiece) Tokenize(text string) []string {
	var out []string
	for _, word := range w.basicTokenize(text) {
		out = append(out, w.wordPieces(word)...)
	}
	return out
}

func (w *WordPiece) basicTokenize(text string) []string {
	text = cleanText(text)
	text = padCJK(text)

	var words []string
	for _, tok := range strings.Fields(text) {
		if isSpecial(tok) {
			words = append(words, tok)
			continue
		}
		if w.lowerCase {
			tok = stripAccents(strings.ToLower(tok))
		}
		words = append(words, splitPunctuation(tok)...)
	}
	return words
}

func (w *WordPiece) wordPieces(word string) []string {
	runes := []rune(word)
	if len(runes) > w.maxCharsPerWord {
		return []string{w.unk}
	}

	var pieces []string
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := ""
		for start < end {
			sub := string(runes[start:end])
			if start > 0 {
				sub = ContinuationPrefix + sub
			}
			if w.vocab.Contains(sub) {
				found = sub
				break
			}
			end--
		}
		if found == "" {
			return []string{w.unk}
		}
		pieces = append(pieces, found)
		start = end
	}
	return pieces
}

// IsContinuation reports whether tok continues the previous word piece.
func IsContinuation(tok string) bool {
	return strings.HasPrefix(tok, ContinuationPrefix)
}

func isSpecial(tok string) bool {
	switch tok {
	case types.TokenCLS, types.TokenSEP, types.TokenMASK, types.TokenUNK, types.TokenPAD:
		return true
	}
	return false
}

func cleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == 0 || r == unicode.ReplacementChar || isControl(r) {
			continue
		}
		if unicode.IsSpace(r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r) || unicode.In(r, unicode.Cf)
}

func stripAccents(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func splitPunctuation(s string) []string {
	var out []string
	var cur []rune
	for _, r := range s {
		if isPunctuation(r) {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			}
			out = append(out, string(r))
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}

func padCJK(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isCJK(r) {
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
