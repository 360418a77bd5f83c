// Package checkpoint implements L4: a durable, thread-id-keyed store for
// Execution State, so a run can be resumed after a process restart. It is
// backed by LevelDB the same way the teacher's memory engine is — a single
// embedded, single-writer database file rather than a network service.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/skillrun/skillrun/internal/types"
)

const keyPrefix = "state|"

// Store is the LevelDB-backed L4 checkpoint store. save/load are the only
// two operations the rest of the engine depends on; everything else is
// private to this package.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) a LevelDB database at dbPath. A failure to open
// is fatal — the engine has no meaningful way to run without durable
// checkpointing, and LevelDB is single-writer so a stale lock usually means
// another run of the same thread is still active.
func Open(dbPath string) (*Store, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying LevelDB handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists state under threadID, overwriting any prior checkpoint for
// that thread. Callers decide the call sites; the Orchestrator saves once per
// outer-loop iteration, after a step commits or escalates.
func (s *Store) Save(threadID string, state *types.ExecutionState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal state for %s: %w", threadID, err)
	}
	if err := s.db.Put([]byte(keyPrefix+threadID), blob, nil); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", threadID, err)
	}
	return nil
}

// Load returns the Execution State for threadID, or (nil, nil) if no
// checkpoint exists for that thread — absence is not an error.
func (s *Store) Load(threadID string) (*types.ExecutionState, error) {
	blob, err := s.db.Get([]byte(keyPrefix+threadID), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: read %s: %w", threadID, err)
	}
	var state types.ExecutionState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal state for %s: %w", threadID, err)
	}
	return &state, nil
}

// EnsureDir creates the checkpoint database directory itself (dbPath, which
// LevelDB uses as its directory) and any missing parents.
func EnsureDir(dbPath string) error {
	return os.MkdirAll(dbPath, 0o755)
}
