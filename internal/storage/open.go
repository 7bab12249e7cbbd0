package storage

import (
	"context"
	"errors"
	"strings"

	"alarmd/internal/entity"
	logx "alarmd/pkg/logx"
)

// Store is the persistence API used by the lifecycle machine and the durable
// work queue.
type Store interface {
	GetEntity(ctx context.Context, id int64) (entity.Entity, error)
	SaveEntity(ctx context.Context, e entity.Entity) error
	DeleteEntity(ctx context.Context, id int64) error
	ListEntities(ctx context.Context) ([]entity.Entity, error)

	PutWork(ctx context.Context, w WorkItem) error
	DeleteWork(ctx context.Context, id string) error
	ListWork(ctx context.Context) ([]WorkItem, error)

	Close() error
}

// Open initializes the configured store. An empty driver selects memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
