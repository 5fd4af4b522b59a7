package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"meetsync/session"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrChunkExists     = errors.New("chunk already written")
	ErrSequenceGap     = errors.New("chunk sequence has gaps")
)

// Store is the durable local state: chunk payloads, session records and
// the single active-recording snapshot. Everything lives in one badger
// database opened with SyncWrites, so a successful write survives an
// abrupt process termination right after the call returns.
type Store struct {
	db     *badger.DB
	logger *zap.SugaredLogger
}

// Open opens (or creates) the database under dir/badger.
func Open(dir string, logger *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dir, "badger")).
		WithSyncWrites(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Key layout:
//
//	chunk/<sessionID>/<channel>/<seq BE64>  -> payload bytes
//	cmeta/<sessionID>/<channel>/<seq BE64>  -> chunk metadata JSON
//	session/<sessionID>                     -> session JSON
//	snapshot                                -> active recording snapshot JSON
//
// Big-endian sequence keeps badger's lexicographic key order equal to
// sequence order, so iteration never reorders chunks.
func chunkKey(prefix, sessionID string, ch session.Channel, seq uint64) []byte {
	key := make([]byte, 0, len(prefix)+len(sessionID)+len(ch)+11)
	key = append(key, prefix...)
	key = append(key, sessionID...)
	key = append(key, '/')
	key = append(key, ch...)
	key = append(key, '/')
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	return append(key, seqBuf[:]...)
}

func chunkPrefix(prefix, sessionID string, ch session.Channel) []byte {
	p := prefix + sessionID + "/"
	if ch != "" {
		p += string(ch) + "/"
	}
	return []byte(p)
}

func sessionKey(id string) []byte { return []byte("session/" + id) }

var snapshotKey = []byte("snapshot")

// AppendChunk durably stores one chunk payload plus its metadata in a
// single transaction. A chunk, once written, is immutable: rewriting an
// existing (session, channel, sequence) slot fails with ErrChunkExists.
// Appends for different channels of the same session may interleave
// freely; ordering within a channel is carried entirely by sequence.
func (s *Store) AppendChunk(c session.Chunk, payload []byte) error {
	dataKey := chunkKey("chunk/", c.SessionID, c.Channel, c.Sequence)
	metaKey := chunkKey("cmeta/", c.SessionID, c.Channel, c.Sequence)

	c.Size = len(payload)
	meta, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk meta: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(dataKey); err == nil {
			return fmt.Errorf("%w: %s/%s/%d", ErrChunkExists, c.SessionID, c.Channel, c.Sequence)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(dataKey, payload); err != nil {
			return err
		}
		return txn.Set(metaKey, meta)
	})
}

// ListChunks returns chunk metadata in sequence order. With an empty
// channel it returns all channels, grouped by channel, each group in
// sequence order.
func (s *Store) ListChunks(sessionID string, ch session.Channel) ([]session.Chunk, error) {
	var chunks []session.Chunk
	prefix := chunkPrefix("cmeta/", sessionID, ch)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var c session.Chunk
				if err := json.Unmarshal(val, &c); err != nil {
					return err
				}
				chunks = append(chunks, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return chunks, nil
}

// Assemble concatenates all payloads of one channel in sequence order.
// A channel with zero chunks yields (nil, nil) — "absent", not an error.
// Sequences must be contiguous starting at 0; a hole means the channel
// is not sync-ready and Assemble fails with ErrSequenceGap.
func (s *Store) Assemble(sessionID string, ch session.Channel) ([]byte, error) {
	var buf bytes.Buffer
	prefix := chunkPrefix("chunk/", sessionID, ch)
	next := uint64(0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			seq := binary.BigEndian.Uint64(key[len(key)-8:])
			if seq != next {
				return fmt.Errorf("%w: %s/%s expected %d got %d", ErrSequenceGap, sessionID, ch, next, seq)
			}
			next++
			err := it.Item().Value(func(val []byte) error {
				buf.Write(val)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if next == 0 {
		return nil, nil // absent
	}
	return buf.Bytes(), nil
}

// ChannelsWithData reports which channels have at least one chunk.
func (s *Store) ChannelsWithData(sessionID string) ([]session.Channel, error) {
	var present []session.Channel
	for _, ch := range session.Channels {
		prefix := chunkPrefix("cmeta/", sessionID, ch)
		found := false
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			it.Rewind()
			found = it.ValidForPrefix(prefix)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if found {
			present = append(present, ch)
		}
	}
	return present, nil
}

// DeleteChunks removes all audio payloads and chunk metadata of a
// session. The session record itself is untouched.
func (s *Store) DeleteChunks(sessionID string) error {
	for _, prefix := range [][]byte{
		chunkPrefix("chunk/", sessionID, ""),
		chunkPrefix("cmeta/", sessionID, ""),
	} {
		if err := s.deletePrefix(prefix); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
	}
	return nil
}

func (s *Store) deletePrefix(prefix []byte) error {
	// Collect first, then delete in batches: badger forbids writes
	// while an iterator is open on the same transaction.
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// SaveSession upserts a session record.
func (s *Store) SaveSession(sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(sess.ID), data)
	})
}

func (s *Store) GetSession(id string) (*session.Session, error) {
	var sess session.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]*session.Session, error) {
	var sessions []*session.Session
	prefix := []byte("session/")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var sess session.Session
				if err := json.Unmarshal(val, &sess); err != nil {
					return err
				}
				sessions = append(sessions, &sess)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// DeleteSession removes the session record and all its chunks.
func (s *Store) DeleteSession(id string) error {
	if err := s.DeleteChunks(id); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
}

// SaveSnapshot persists the active-recording snapshot. There is at most
// one; writing replaces the previous heartbeat.
func (s *Store) SaveSnapshot(snap *session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey, data)
	})
}

// GetSnapshot returns the stored snapshot, or nil when none exists.
func (s *Store) GetSnapshot() (*session.Snapshot, error) {
	var snap session.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &snap, nil
}

// ClearSnapshot removes the snapshot without touching chunk data.
func (s *Store) ClearSnapshot() error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(snapshotKey)
	})
}
