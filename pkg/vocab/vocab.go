// Package vocab provides the mutable word-piece vocabulary shared by the
// tokenizer, the document sampler and the span masker.
//
// Growth is append-only: Ensure assigns the next free id to an unseen token
// and never renumbers existing entries. All methods are safe for concurrent
// use; writers are serialized by an internal lock.
package vocab

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
)

var (
	// ErrUnknownToken is returned when a token has no id and no [UNK] fallback exists.
	ErrUnknownToken = errors.New("token not in vocabulary")
	// ErrUnknownID is returned when an id is outside the vocabulary.
	ErrUnknownID = errors.New("id not in vocabulary")
)

// Vocab maps tokens to dense integer ids.
type Vocab struct {
	mu        sync.RWMutex
	tokenToID map[string]int
	idToToken []string
	unk       string
}

// New creates a vocabulary from tokens in id order. Duplicate tokens keep
// their first id.
func New(tokens []string) *Vocab {
	v := &Vocab{
		tokenToID: make(map[string]int, len(tokens)),
		idToToken: make([]string, 0, len(tokens)),
		unk:       "[UNK]",
	}
	for _, t := range tokens {
		if _, ok := v.tokenToID[t]; ok {
			continue
		}
		v.tokenToID[t] = len(v.idToToken)
		v.idToToken = append(v.idToToken, t)
	}
	return v
}

// Load reads a vocabulary with one token per line. Trailing whitespace is
// stripped and blank lines are skipped.
func Load(r io.Reader) (*Vocab, error) {
	var tokens []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		tok := strings.TrimRight(scanner.Text(), " \t\r\n")
		if tok == "" {
			continue
		}
		tokens = append(tokens, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}
	return New(tokens), nil
}

// LoadFile reads a vocabulary file from disk.
func LoadFile(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Save writes the vocabulary one token per line in id order.
func (v *Vocab) Save(w io.Writer) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	bw := bufio.NewWriter(w)
	for _, t := range v.idToToken {
		if _, err := bw.WriteString(t + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// SetUnknown changes the fallback token used for out-of-vocabulary lookups.
func (v *Vocab) SetUnknown(tok string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.unk = tok
}

// Size returns the number of entries.
func (v *Vocab) Size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.idToToken)
}

// Contains reports whether tok has an id.
func (v *Vocab) Contains(tok string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.tokenToID[tok]
	return ok
}

// ID returns the id of tok.
func (v *Vocab) ID(tok string) (int, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	id, ok := v.tokenToID[tok]
	return id, ok
}

// Ensure returns the id of tok, appending it when missing. added reports
// whether the vocabulary grew.
func (v *Vocab) Ensure(tok string) (id int, added bool) {
	v.mu.RLock()
	id, ok := v.tokenToID[tok]
	v.mu.RUnlock()
	if ok {
		return id, false
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	// Re-check under the write lock; another writer may have won.
	if id, ok := v.tokenToID[tok]; ok {
		return id, false
	}
	id = len(v.idToToken)
	v.tokenToID[tok] = id
	v.idToToken = append(v.idToToken, tok)
	return id, true
}

// TokensToIDs converts tokens to ids. Unknown tokens map to the [UNK] id
// when the vocabulary has one.
func (v *Vocab) TokensToIDs(tokens []string) ([]int32, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ids := make([]int32, len(tokens))
	for i, t := range tokens {
		id, ok := v.tokenToID[t]
		if !ok {
			id, ok = v.tokenToID[v.unk]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownToken, t)
			}
		}
		ids[i] = int32(id)
	}
	return ids, nil
}

// IDsToTokens converts ids back to tokens.
func (v *Vocab) IDsToTokens(ids []int32) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	tokens := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || int(id) >= len(v.idToToken) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
		}
		tokens[i] = v.idToToken[id]
	}
	return tokens, nil
}

// Words returns a copy of all tokens in id order.
func (v *Vocab) Words() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.idToToken))
	copy(out, v.idToToken)
	return out
}

// RandomToken draws a token uniformly from the vocabulary.
// It returns the empty string for an empty vocabulary.
func (v *Vocab) RandomToken(rng *rand.Rand) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.idToToken) == 0 {
		return ""
	}
	return v.idToToken[rng.IntN(len(v.idToToken))]
}
