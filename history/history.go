// Package history persists finalized transcript entries so past tutoring
// conversations can be reviewed after the session ends.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/voicelink-app/voicelink/internal/types"
)

// DefaultTTL is how long entries are retained before Badger expires them.
const DefaultTTL = 90 * 24 * time.Hour

// Store is a Badger-backed conversation history.
type Store struct {
	db  *badger.DB
	ttl time.Duration
}

// Open opens (or creates) a history store at dir. An empty dir opens an
// in-memory store, useful for tests.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts = opts.WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	return &Store{db: db, ttl: DefaultTTL}, nil
}

// Append stores one finalized entry under the given conversation id.
func (s *Store) Append(conversationID string, e types.TranscriptEntry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	key := entryKey(conversationID, e)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, val).WithTTL(s.ttl))
	})
	if err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	return nil
}

// List returns all stored entries for a conversation in chronological order.
func (s *Store) List(conversationID string) ([]types.TranscriptEntry, error) {
	prefix := []byte("conv/" + conversationID + "/")

	var out []types.TranscriptEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e types.TranscriptEntry
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func entryKey(conversationID string, e types.TranscriptEntry) []byte {
	// Nanosecond timestamp keeps iteration chronological; the entry id
	// breaks ties.
	return []byte(fmt.Sprintf("conv/%s/%020d/%s", conversationID, e.CreatedAt.UnixNano(), e.ID))
}
