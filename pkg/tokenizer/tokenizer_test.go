package tokenizer

import (
	"testing"

	"github.com/soundprediction/textheads/pkg/vocab"
	"github.com/stretchr/testify/assert"
)

func testVocab() *vocab.Vocab {
	return vocab.New([]string{
		"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
		"the", "cat", "sat", "un", "##aff", "##able", "runn", "##ing", ",", ".", "cafe", "中", "国",
	})
}

func TestTokenize(t *testing.T) {
	tok := New(testVocab())

	tests := []struct {
		name     string
		text     string
		expected []string
	}{
		{"simple words", "The cat sat.", []string{"the", "cat", "sat", "."}},
		{"word pieces", "unaffable", []string{"un", "##aff", "##able"}},
		{"unknown word", "dog", []string{"[UNK]"}},
		{"accents stripped", "Café", []string{"cafe"}},
		{"punctuation split", "cat,sat", []string{"cat", ",", "sat"}},
		{"cjk split", "中国", []string{"中", "国"}},
		{"special tokens kept", "[CLS] the [SEP]", []string{"[CLS]", "the", "[SEP]"}},
		{"control characters dropped", "the\u0000 cat\tsat", []string{"the", "cat", "sat"}},
		{"empty", "   ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tok.Tokenize(tt.text))
		})
	}
}

func TestTokenizeCased(t *testing.T) {
	tok := New(testVocab(), WithLowerCase(false))
	assert.False(t, tok.LowerCase())
	assert.Equal(t, []string{"[UNK]", "cat"}, tok.Tokenize("The cat"))
}

func TestMaxCharsPerWord(t *testing.T) {
	tok := New(testVocab(), WithMaxCharsPerWord(3))
	assert.Equal(t, []string{"cat", "[UNK]"}, tok.Tokenize("cat unaffable"))
}

func TestIsContinuation(t *testing.T) {
	assert.True(t, IsContinuation("##ing"))
	assert.False(t, IsContinuation("runn"))
	assert.False(t, IsContinuation("#"))
}
