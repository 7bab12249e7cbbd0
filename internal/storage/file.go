package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"alarmd/internal/entity"
	logx "alarmd/pkg/logx"
)

const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
//
// Every write is appended to the journal before it is applied in memory.
// The journal is compacted into the snapshot on open and every
// compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	entities map[int64]entity.Entity
	work     map[string]WorkItem

	writes int
}

type fileSnapshot struct {
	Entities []entity.Entity `json:"entities"`
	Work     []WorkItem      `json:"work"`
}

type journalRecord struct {
	Op       string         `json:"op"`
	Entity   *entity.Entity `json:"entity,omitempty"`
	EntityID int64          `json:"entity_id,omitempty"`
	Work     *WorkItem      `json:"work,omitempty"`
	WorkID   string         `json:"work_id,omitempty"`
}

const (
	opPutEntity = "put_entity"
	opDelEntity = "del_entity"
	opPutWork   = "put_work"
	opDelWork   = "del_work"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		entities:     map[int64]entity.Entity{},
		work:         map[string]WorkItem{},
	}
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := s.replayJournal(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf

	if n > 0 {
		s.mu.Lock()
		err := s.compactLocked()
		s.mu.Unlock()
		if err != nil {
			log.Warn("journal compact failed", logx.Err(err))
		}
	}
	log.Debug("file store opened", logx.String("path", path), logx.Int("entities", len(s.entities)), logx.Int("work", len(s.work)), logx.Int("replayed", n))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) GetEntity(_ context.Context, id int64) (entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return entity.Entity{}, ErrClosed
	}
	e, ok := s.entities[id]
	if !ok {
		return entity.Entity{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *fileStore) SaveEntity(_ context.Context, e entity.Entity) error {
	e = e.Clone()
	return s.write(journalRecord{Op: opPutEntity, Entity: &e})
}

func (s *fileStore) DeleteEntity(_ context.Context, id int64) error {
	return s.write(journalRecord{Op: opDelEntity, EntityID: id})
}

func (s *fileStore) ListEntities(_ context.Context) ([]entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return sortedEntities(s.entities), nil
}

func (s *fileStore) PutWork(_ context.Context, w WorkItem) error {
	w.Input = maps.Clone(w.Input)
	return s.write(journalRecord{Op: opPutWork, Work: &w})
}

func (s *fileStore) DeleteWork(_ context.Context, id string) error {
	return s.write(journalRecord{Op: opDelWork, WorkID: id})
}

func (s *fileStore) ListWork(_ context.Context) ([]WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return sortedWork(s.work), nil
}

func (s *fileStore) write(r journalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.apply(r)

	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) apply(r journalRecord) {
	switch r.Op {
	case opPutEntity:
		if r.Entity != nil {
			s.entities[r.Entity.ID] = *r.Entity
		}
	case opDelEntity:
		delete(s.entities, r.EntityID)
	case opPutWork:
		if r.Work != nil {
			s.work[r.Work.ID] = *r.Work
		}
	case opDelWork:
		delete(s.work, r.WorkID)
	}
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{Entities: sortedEntities(s.entities), Work: sortedWork(s.work)}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, e := range snap.Entities {
		s.entities[e.ID] = e
	}
	for _, w := range snap.Work {
		s.work[w.ID] = w
	}
	return nil
}

// replayJournal applies journal records on top of the snapshot. A torn last
// line from a crash mid-write is skipped.
func (s *fileStore) replayJournal(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.log.Warn("journal record skipped", logx.Err(err))
			continue
		}
		s.apply(r)
		n++
	}
	return n, sc.Err()
}
