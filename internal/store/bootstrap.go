package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tablekit/internal/config"
)

// SQLBackend stores documents in a relational database through
// database/sql. All tables share one _records table keyed by app, table
// and id; payloads are encoded by the codec.
type SQLBackend struct {
	DB      *sql.DB
	Dialect Dialect
	codec   Codec
	logger  *zap.SugaredLogger
}

// NewSQLBackend opens and configures the database described by cfg.
func NewSQLBackend(ctx context.Context, cfg config.DatabaseConfig, codec Codec, logger *zap.SugaredLogger) (*SQLBackend, error) {
	dialect := NewDialect(cfg.Driver)
	dsn := cfg.DSN()

	if d, ok := dialect.(*SQLiteDialect); ok {
		if err := d.EnsureDir(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := dialect.Configure(ctx, db, cfg); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &SQLBackend{DB: db, Dialect: dialect, codec: codec, logger: logger}, nil
}

// Bootstrap creates the system tables if they do not exist.
func (s *SQLBackend) Bootstrap(ctx context.Context) error {
	for _, stmt := range strings.Split(s.Dialect.SystemTablesSQL(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *SQLBackend) Close() error {
	return s.DB.Close()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
