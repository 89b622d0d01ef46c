// Package cache persists tokenizer output in a badger store so repeated
// builds over the same corpus skip word-piece tokenization.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/zeebo/blake3"
)

// Options configures a Cache.
type Options struct {
	// Dir is the badger directory. Empty means in-memory.
	Dir string
	// Namespace separates entries produced by different tokenizer settings,
	// for example the vocabulary digest and the lowercase flag.
	Namespace string
	// TTL expires entries. Zero keeps them forever.
	TTL    time.Duration
	Logger *slog.Logger
}

// Cache is a badger-backed token cache.
type Cache struct {
	db        *badger.DB
	namespace string
	ttl       time.Duration
	logger    *slog.Logger
}

// Open opens or creates the cache.
func Open(opts Options) (*Cache, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open token cache: %w", err)
	}
	logger.Debug("Token cache opened", "dir", opts.Dir, "namespace", opts.Namespace)
	return &Cache{db: db, namespace: opts.Namespace, ttl: opts.TTL, logger: logger}, nil
}

func (c *Cache) key(text string) []byte {
	h := blake3.New()
	h.Write([]byte(c.namespace))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return h.Sum(nil)
}

// Get returns the cached tokens for text.
func (c *Cache) Get(text string) ([]string, bool, error) {
	var tokens []string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(text))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &tokens)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read token cache: %w", err)
	}
	return tokens, true, nil
}

// Put stores tokens for text.
func (c *Cache) Put(text string, tokens []string) error {
	val, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(c.key(text), val)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}
	return nil
}

// Len counts live entries.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close flushes and closes the store.
func (c *Cache) Close() error {
	return c.db.Close()
}
