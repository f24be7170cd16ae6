package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *SQLBackend) Insert(ctx context.Context, key Key, doc Document) error {
	payload, err := s.codec.Encode(doc.Values)
	if err != nil {
		return fmt.Errorf("encode document %d: %w", doc.ID, err)
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		"INSERT INTO _records (app, tbl, id, payload, created_at, updated_at) VALUES (%s, %s, %s, %s, %s, %s)",
		pb.Add(key.App), pb.Add(key.Table), pb.Add(doc.ID), pb.Add(payload),
		pb.Add(s.Dialect.TimeParam(doc.CreatedAt)), pb.Add(s.Dialect.TimeParam(doc.UpdatedAt)))
	if _, err := s.DB.ExecContext(ctx, q, pb.Params()...); err != nil {
		return fmt.Errorf("insert record %d into %s: %w", doc.ID, key, s.Dialect.MapError(err))
	}
	return nil
}

func (s *SQLBackend) Replace(ctx context.Context, key Key, doc Document) error {
	payload, err := s.codec.Encode(doc.Values)
	if err != nil {
		return fmt.Errorf("encode document %d: %w", doc.ID, err)
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		"UPDATE _records SET payload = %s, updated_at = %s WHERE app = %s AND tbl = %s AND id = %s",
		pb.Add(payload), pb.Add(s.Dialect.TimeParam(doc.UpdatedAt)),
		pb.Add(key.App), pb.Add(key.Table), pb.Add(doc.ID))
	res, err := s.DB.ExecContext(ctx, q, pb.Params()...)
	if err != nil {
		return fmt.Errorf("update record %d in %s: %w", doc.ID, key, s.Dialect.MapError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLBackend) Get(ctx context.Context, key Key, id int64) (Document, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		"SELECT id, payload, created_at, updated_at FROM _records WHERE app = %s AND tbl = %s AND id = %s",
		pb.Add(key.App), pb.Add(key.Table), pb.Add(id))
	doc, err := s.scanDocument(s.DB.QueryRowContext(ctx, q, pb.Params()...))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get record %d from %s: %w", id, key, err)
	}
	return doc, nil
}

func (s *SQLBackend) Delete(ctx context.Context, key Key, id int64) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf("DELETE FROM _records WHERE app = %s AND tbl = %s AND id = %s",
		pb.Add(key.App), pb.Add(key.Table), pb.Add(id))
	res, err := s.DB.ExecContext(ctx, q, pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete record %d from %s: %w", id, key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Scan skips documents that can no longer be decoded and logs them.
func (s *SQLBackend) Scan(ctx context.Context, key Key) ([]Document, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(
		"SELECT id, payload, created_at, updated_at FROM _records WHERE app = %s AND tbl = %s ORDER BY id",
		pb.Add(key.App), pb.Add(key.Table))
	rows, err := s.DB.QueryContext(ctx, q, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", key, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := s.scanDocument(rows)
		if err != nil {
			var decodeErr *decodeError
			if errors.As(err, &decodeErr) {
				s.logger.Warnw("Skipping undecodable record", "table", key.String(), "id", decodeErr.id, "error", decodeErr.err)
				continue
			}
			return nil, fmt.Errorf("scan %s: %w", key, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return docs, nil
}

func (s *SQLBackend) Count(ctx context.Context, key Key) (int64, error) {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf("SELECT COUNT(*) FROM _records WHERE app = %s AND tbl = %s", pb.Add(key.App), pb.Add(key.Table))
	var n int64
	if err := s.DB.QueryRowContext(ctx, q, pb.Params()...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", key, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type decodeError struct {
	id  int64
	err error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("decode record %d: %v", e.id, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }

func (s *SQLBackend) scanDocument(row rowScanner) (Document, error) {
	var (
		doc                  Document
		payload              []byte
		createdAt, updatedAt any
	)
	if err := row.Scan(&doc.ID, &payload, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	values, err := s.codec.Decode(payload)
	if err != nil {
		return Document{}, &decodeError{id: doc.ID, err: err}
	}
	doc.Values = values
	if doc.CreatedAt, err = s.Dialect.ScanTime(createdAt); err != nil {
		return Document{}, &decodeError{id: doc.ID, err: err}
	}
	if doc.UpdatedAt, err = s.Dialect.ScanTime(updatedAt); err != nil {
		return Document{}, &decodeError{id: doc.ID, err: err}
	}
	return doc, nil
}
