// Package agent implements the node daemon: it holds the hub connection,
// caches the config snapshot locally, executes jobs while disconnected,
// and syncs offline run records back to the hub.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/logging"
	"github.com/Syt100/bastion-sub005/internal/snapshot"
)

var (
	keySnapshot   = []byte("snapshot/current")
	prefixRun     = []byte("run/")
	prefixNextFire = []byte("nextfire/")
)

// Store is the agent's durable state: the last applied snapshot, run
// records awaiting sync, and per-job next-fire checkpoints.
type Store struct {
	db *badger.DB
}

func OpenStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open agent store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveSnapshot applies a snapshot, refusing to replace a newer one. The
// hub serializes sends per session, but a frame from a dying old session
// may still race one from its replacement.
func (s *Store) SaveSnapshot(snap snapshot.Snapshot) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if cur, err := getJSON[snapshot.Snapshot](txn, keySnapshot); err == nil {
			if cur.GeneratedAt.After(snap.GeneratedAt) {
				logging.Warn().Str("snapshot_id", snap.ID).Msg("stale snapshot ignored")
				return nil
			}
		}
		return setJSON(txn, keySnapshot, snap)
	})
}

// Snapshot returns the cached snapshot; ok is false before the first sync.
func (s *Store) Snapshot() (snapshot.Snapshot, bool, error) {
	var snap snapshot.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := getJSON[snapshot.Snapshot](txn, keySnapshot)
		if err != nil {
			return err
		}
		snap = v
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return snapshot.Snapshot{}, false, nil
	}
	if err != nil {
		return snapshot.Snapshot{}, false, err
	}
	return snap, true, nil
}

// SaveRun stores a completed offline run until the hub acknowledges it.
func (s *Store) SaveRun(rec jobs.IngestedRun) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, append(prefixRun, rec.Run.ID...), rec)
	})
}

// UnsyncedRuns lists run records not yet acknowledged by the hub.
func (s *Store) UnsyncedRuns() ([]jobs.IngestedRun, error) {
	var out []jobs.IngestedRun
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefixRun); it.ValidForPrefix(prefixRun); it.Next() {
			var rec jobs.IngestedRun
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// PurgeRuns deletes acknowledged run records. Only ids named in a hub ack
// may be purged.
func (s *Store) PurgeRuns(ids []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(append(prefixRun, id...)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
}

// NextFire reads the job's persisted next-fire checkpoint.
func (s *Store) NextFire(jobID string) (time.Time, bool, error) {
	var t time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := getJSON[time.Time](txn, append(prefixNextFire, jobID...))
		if err != nil {
			return err
		}
		t = v
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// SetNextFire checkpoints the job's next occurrence so a restart does not
// refire an already-handled one.
func (s *Store) SetNextFire(jobID string, t time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, append(prefixNextFire, jobID...), t)
	})
}

// DropNextFire removes the checkpoint for a job no longer in the snapshot.
func (s *Store) DropNextFire(jobID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(append(prefixNextFire, jobID...))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func getJSON[T any](txn *badger.Txn, key []byte) (T, error) {
	var v T
	item, err := txn.Get(key)
	if err != nil {
		return v, err
	}
	err = item.Value(func(b []byte) error {
		return json.Unmarshal(b, &v)
	})
	return v, err
}
