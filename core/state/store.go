package state

import (
	"errors"
	"fmt"

	"peerlend/core/events"
	"peerlend/storage"
)

// KV is the read/write surface native modules persist their records through.
// Get returns (nil, nil) when the key is absent.
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Journal exposes nested snapshots so a caller can undo a partial sequence of
// writes and events without abandoning the whole operation.
type Journal interface {
	Snapshot() int
	RevertToSnapshot(id int)
}

// Backend is the store surface native modules are constructed with.
type Backend interface {
	KV
	Journal
	Emit(evt events.Event)
}

type slot struct {
	value   []byte
	deleted bool
}

type change struct {
	key  string
	prev *slot
}

type revision struct {
	id           int
	journalIndex int
	logIndex     int
}

// Store is a journaled overlay on top of a storage.Database. Writes and events
// stay in memory until Commit; Discard drops them. Snapshots allow partial
// rollback inside an operation. Store is not safe for concurrent use on its
// own; the Manager serialises access.
type Store struct {
	db           storage.Database
	dirty        map[string]*slot
	journal      []change
	logs         []events.Event
	revisions    []revision
	nextRevision int
}

// NewStore wraps db in a journaled overlay.
func NewStore(db storage.Database) *Store {
	if db == nil {
		db = storage.NewMemDB()
	}
	return &Store{db: db, dirty: make(map[string]*slot)}
}

// Get returns the pending value for key if one exists, otherwise the committed
// value. Missing keys yield (nil, nil).
func (s *Store) Get(key []byte) ([]byte, error) {
	if entry, ok := s.dirty[string(key)]; ok {
		if entry.deleted {
			return nil, nil
		}
		return append([]byte(nil), entry.value...), nil
	}
	value, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read: %w", err)
	}
	return value, nil
}

// Put stages value under key.
func (s *Store) Put(key, value []byte) error {
	s.record(string(key))
	s.dirty[string(key)] = &slot{value: append([]byte(nil), value...)}
	return nil
}

// Delete stages the removal of key.
func (s *Store) Delete(key []byte) error {
	s.record(string(key))
	s.dirty[string(key)] = &slot{deleted: true}
	return nil
}

// Emit buffers evt until the enclosing operation commits. Events emitted after
// a snapshot are dropped when that snapshot is reverted.
func (s *Store) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	s.logs = append(s.logs, evt)
}

// Snapshot returns an identifier for the current journal position.
func (s *Store) Snapshot() int {
	id := s.nextRevision
	s.nextRevision++
	s.revisions = append(s.revisions, revision{id: id, journalIndex: len(s.journal), logIndex: len(s.logs)})
	return id
}

// RevertToSnapshot undoes every write and event recorded after the snapshot
// was taken. Unknown identifiers panic since they indicate a programming
// error.
func (s *Store) RevertToSnapshot(id int) {
	idx := -1
	for i := len(s.revisions) - 1; i >= 0; i-- {
		if s.revisions[i].id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic(fmt.Sprintf("state: revision id %d cannot be reverted", id))
	}
	rev := s.revisions[idx]
	for i := len(s.journal) - 1; i >= rev.journalIndex; i-- {
		entry := s.journal[i]
		if entry.prev == nil {
			delete(s.dirty, entry.key)
			continue
		}
		s.dirty[entry.key] = entry.prev
	}
	s.journal = s.journal[:rev.journalIndex]
	s.logs = s.logs[:rev.logIndex]
	s.revisions = s.revisions[:idx]
}

// Pending reports the number of staged keys.
func (s *Store) Pending() int { return len(s.dirty) }

// Commit writes the staged keys to the database in one batch and returns the
// buffered events in emission order.
func (s *Store) Commit() ([]events.Event, error) {
	if len(s.dirty) > 0 {
		batch := s.db.NewBatch()
		for key, entry := range s.dirty {
			if entry.deleted {
				batch.Delete([]byte(key))
				continue
			}
			batch.Put([]byte(key), entry.value)
		}
		if err := batch.Write(); err != nil {
			return nil, err
		}
	}
	logs := s.logs
	s.reset()
	return logs, nil
}

// Discard drops every staged write and buffered event.
func (s *Store) Discard() { s.reset() }

func (s *Store) record(key string) {
	var prev *slot
	if entry, ok := s.dirty[key]; ok {
		copied := *entry
		prev = &copied
	}
	s.journal = append(s.journal, change{key: key, prev: prev})
}

func (s *Store) reset() {
	s.dirty = make(map[string]*slot)
	s.journal = nil
	s.logs = nil
	s.revisions = nil
}
