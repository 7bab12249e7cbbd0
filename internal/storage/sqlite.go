package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"alarmd/internal/entity"
	logx "alarmd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetEntity(ctx context.Context, id int64) (entity.Entity, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM entities WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, ErrNotFound
	}
	if err != nil {
		return entity.Entity{}, err
	}
	var e entity.Entity
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return entity.Entity{}, fmt.Errorf("decode entity %d: %w", id, err)
	}
	return e, nil
}

func (s *sqliteStore) SaveEntity(ctx context.Context, e entity.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities(id, kind, stage, trigger_at, version, data) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, stage=excluded.stage,
		   trigger_at=excluded.trigger_at, version=excluded.version, data=excluded.data`,
		e.ID, string(e.Kind), string(e.Stage), e.TriggerAt, e.Version, string(data),
	)
	return err
}

func (s *sqliteStore) DeleteEntity(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListEntities(ctx context.Context) ([]entity.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM entities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entity.Entity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e entity.Entity
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			s.log.Warn("entity row skipped", logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutWork(ctx context.Context, w WorkItem) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO work_items(id, kind, created_at, data) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET data=excluded.data`,
		w.ID, w.Kind, w.CreatedAt.UnixNano(), string(data),
	)
	return err
}

func (s *sqliteStore) DeleteWork(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM work_items WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListWork(ctx context.Context) ([]WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM work_items ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkItem
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var w WorkItem
		if err := json.Unmarshal([]byte(data), &w); err != nil {
			s.log.Warn("work row skipped", logx.Err(err))
			continue
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
