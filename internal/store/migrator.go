package store

import (
	"context"
	"fmt"
)

// EnsureTable creates the id sequence row for a table if it is missing.
func (s *SQLBackend) EnsureTable(ctx context.Context, key Key) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		"INSERT INTO _sequences (app, tbl, last_id) VALUES (%s, %s, 0) ON CONFLICT (app, tbl) DO NOTHING",
		pb.Add(key.App), pb.Add(key.Table))
	if _, err := s.DB.ExecContext(ctx, q, pb.Params()...); err != nil {
		return fmt.Errorf("ensure table %s: %w", key, s.Dialect.MapError(err))
	}
	return nil
}

// DropTable deletes all records and the sequence of a table in one transaction.
func (s *SQLBackend) DropTable(ctx context.Context, key Key) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"_records", "_sequences"} {
		pb := s.Dialect.NewParamBuilder()
		q := fmt.Sprintf("DELETE FROM %s WHERE app = %s AND tbl = %s", table, pb.Add(key.App), pb.Add(key.Table))
		if _, err := tx.ExecContext(ctx, q, pb.Params()...); err != nil {
			return fmt.Errorf("drop %s from %s: %w", key, table, err)
		}
	}
	return tx.Commit()
}

// RenameTable re-keys records and the sequence of a table.
func (s *SQLBackend) RenameTable(ctx context.Context, from, to Key) error {
	if from == to {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"_records", "_sequences"} {
		pb := s.Dialect.NewParamBuilder()
		q := fmt.Sprintf("UPDATE %s SET app = %s, tbl = %s WHERE app = %s AND tbl = %s",
			table, pb.Add(to.App), pb.Add(to.Table), pb.Add(from.App), pb.Add(from.Table))
		if _, err := tx.ExecContext(ctx, q, pb.Params()...); err != nil {
			return fmt.Errorf("rename %s to %s in %s: %w", from, to, table, s.Dialect.MapError(err))
		}
	}
	return tx.Commit()
}

// NextID increments and returns the sequence of a table. The upsert
// starts a missing sequence at 1.
func (s *SQLBackend) NextID(ctx context.Context, key Key) (int64, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`INSERT INTO _sequences (app, tbl, last_id) VALUES (%s, %s, 1)
ON CONFLICT (app, tbl) DO UPDATE SET last_id = _sequences.last_id + 1
RETURNING last_id`,
		pb.Add(key.App), pb.Add(key.Table))
	var id int64
	if err := s.DB.QueryRowContext(ctx, q, pb.Params()...).Scan(&id); err != nil {
		return 0, fmt.Errorf("next id for %s: %w", key, err)
	}
	return id, nil
}
