package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tablekit/internal/config"
)

var ErrNotFound = errors.New("not found")
var ErrUniqueViolation = errors.New("unique constraint violation")

// Key addresses the record collection of one table.
type Key struct {
	App   string
	Table string
}

func (k Key) String() string {
	return k.App + "/" + k.Table
}

// Document is a stored record. Values holds whatever the codec decoded;
// callers re-coerce declared fields.
type Document struct {
	ID        int64
	Values    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Backend is a keyed document store with per-table id sequences and a
// small catalog for app and table definitions. Implementations are safe
// for concurrent use.
type Backend interface {
	// EnsureTable prepares storage for a table. It is idempotent.
	EnsureTable(ctx context.Context, key Key) error
	// DropTable removes every record and the id sequence of a table.
	DropTable(ctx context.Context, key Key) error
	// RenameTable moves records and sequence from one key to another.
	RenameTable(ctx context.Context, from, to Key) error

	// NextID reserves the next record id of a table, starting at 1.
	NextID(ctx context.Context, key Key) (int64, error)
	Insert(ctx context.Context, key Key, doc Document) error
	Replace(ctx context.Context, key Key, doc Document) error
	Get(ctx context.Context, key Key, id int64) (Document, error)
	Delete(ctx context.Context, key Key, id int64) error
	// Scan returns every document of a table in id order.
	Scan(ctx context.Context, key Key) ([]Document, error)
	Count(ctx context.Context, key Key) (int64, error)

	SaveApp(ctx context.Context, name string, def []byte) error
	DeleteApp(ctx context.Context, name string) error
	LoadApps(ctx context.Context) ([][]byte, error)
	SaveTable(ctx context.Context, key Key, def []byte) error
	DeleteTableDef(ctx context.Context, key Key) error
	LoadTables(ctx context.Context) ([][]byte, error)

	Close() error
}

// Open creates the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.SugaredLogger) (Backend, error) {
	codec, err := NewCodec(cfg.Codec, cfg.Compression)
	if err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case "", "memory":
		logger.Infow("Using in-memory store", "codec", codec.Name())
		return NewMemoryBackend(codec).WithLogger(logger), nil
	case "sqlite", "postgres":
		b, err := NewSQLBackend(ctx, cfg, codec, logger)
		if err != nil {
			return nil, err
		}
		if err := b.Bootstrap(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("bootstrap system tables: %w", err)
		}
		logger.Infow("Database connected", "driver", cfg.Driver, "codec", codec.Name())
		return b, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
