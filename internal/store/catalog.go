package store

import (
	"context"
	"fmt"
	"time"
)

func (s *SQLBackend) SaveApp(ctx context.Context, name string, def []byte) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`INSERT INTO _apps (name, definition, updated_at) VALUES (%s, %s, %s)
ON CONFLICT (name) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
		pb.Add(name), pb.Add(string(def)), pb.Add(s.Dialect.TimeParam(time.Now())))
	if _, err := s.DB.ExecContext(ctx, q, pb.Params()...); err != nil {
		return fmt.Errorf("save app %s: %w", name, err)
	}
	return nil
}

func (s *SQLBackend) DeleteApp(ctx context.Context, name string) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf("DELETE FROM _apps WHERE name = %s", pb.Add(name))
	if _, err := s.DB.ExecContext(ctx, q, pb.Params()...); err != nil {
		return fmt.Errorf("delete app %s: %w", name, err)
	}
	return nil
}

func (s *SQLBackend) LoadApps(ctx context.Context) ([][]byte, error) {
	return s.loadDefinitions(ctx, "SELECT definition FROM _apps ORDER BY name")
}

func (s *SQLBackend) SaveTable(ctx context.Context, key Key, def []byte) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		`INSERT INTO _tables (app, name, definition, updated_at) VALUES (%s, %s, %s, %s)
ON CONFLICT (app, name) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
		pb.Add(key.App), pb.Add(key.Table), pb.Add(string(def)), pb.Add(s.Dialect.TimeParam(time.Now())))
	if _, err := s.DB.ExecContext(ctx, q, pb.Params()...); err != nil {
		return fmt.Errorf("save table %s: %w", key, err)
	}
	return nil
}

func (s *SQLBackend) DeleteTableDef(ctx context.Context, key Key) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf("DELETE FROM _tables WHERE app = %s AND name = %s", pb.Add(key.App), pb.Add(key.Table))
	if _, err := s.DB.ExecContext(ctx, q, pb.Params()...); err != nil {
		return fmt.Errorf("delete table %s: %w", key, err)
	}
	return nil
}

func (s *SQLBackend) LoadTables(ctx context.Context) ([][]byte, error) {
	return s.loadDefinitions(ctx, "SELECT definition FROM _tables ORDER BY app, name")
}

func (s *SQLBackend) loadDefinitions(ctx context.Context, q string) ([][]byte, error) {
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs [][]byte
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("scan definition row: %w", err)
		}
		defs = append(defs, []byte(def))
	}
	return defs, rows.Err()
}
