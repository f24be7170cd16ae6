package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"tablekit/internal/instrument"
	"tablekit/internal/metadata"
	"tablekit/internal/store"
)

// Create validates payload against the table schema, enforces unique
// columns and stores the record under the next id of the table.
func (e *Engine) Create(ctx context.Context, key metadata.TableKey, payload map[string]any) (*Record, error) {
	ctx, span := startSpan(ctx, "records", "records.create", key)
	unlock := e.locks.lock(key)
	defer unlock()

	rec, err := e.createLocked(ctx, key, payload)
	if err == nil {
		span.SetMetadata("record_id", rec.ID)
		instrumentEvent(ctx, "create", key, rec.ID)
	}
	finish(span, err)
	return rec, err
}

func (e *Engine) createLocked(ctx context.Context, key metadata.TableKey, payload map[string]any) (*Record, error) {
	t, err := e.registry.GetSchema(key)
	if err != nil {
		return nil, err
	}
	if err := e.ensureActive(key.App); err != nil {
		return nil, err
	}

	data, err := e.validate(t, withDefaults(t, payload))
	if err != nil {
		return nil, err
	}
	if err := e.checkUnique(ctx, t, data, 0); err != nil {
		return nil, err
	}

	id, err := e.backend.NextID(ctx, storeKey(key))
	if err != nil {
		return nil, fmt.Errorf("reserve id in %s: %w", key, err)
	}
	now := e.now()
	doc := store.Document{ID: id, Values: data, CreatedAt: now, UpdatedAt: now}
	if err := e.backend.Insert(ctx, storeKey(key), doc); err != nil {
		return nil, fmt.Errorf("insert into %s: %w", key, err)
	}
	return &Record{ID: id, Data: data, CreatedAt: now, UpdatedAt: now}, nil
}

// withDefaults fills column defaults for keys the payload does not carry.
// An explicit null is kept so that it still fails a required column.
func withDefaults(t *metadata.Table, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+len(t.Columns))
	for k, v := range payload {
		out[k] = v
	}
	for _, col := range t.Columns {
		if col.Default == nil {
			continue
		}
		if _, ok := out[col.Name]; !ok {
			out[col.Name] = col.Default
		}
	}
	return out
}

func (e *Engine) validate(t *metadata.Table, payload map[string]any) (map[string]any, error) {
	v, err := e.validators.Get(t)
	if err != nil {
		return nil, err
	}
	data, details := v.Validate(payload)
	if len(details) > 0 {
		return nil, ValidationError(details)
	}
	return data, nil
}

// checkUnique compares the unique columns of data against every other
// record of the table. Null values never conflict.
func (e *Engine) checkUnique(ctx context.Context, t *metadata.Table, data map[string]any, self int64) error {
	cols := t.UniqueColumns()
	if len(cols) == 0 {
		return nil
	}
	pending := make([]metadata.Column, 0, len(cols))
	for _, col := range cols {
		if data[col.Name] != nil {
			pending = append(pending, col)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	rows, err := e.loadRecords(ctx, t)
	if err != nil {
		return err
	}
	var details []ErrorDetail
	for _, col := range pending {
		want := data[col.Name]
		for _, r := range rows {
			if r.ID == self {
				continue
			}
			if got, ok := r.Value(col.Name); ok && valuesEqual(got, want) {
				details = append(details, ErrorDetail{
					Field:   col.Name,
					Rule:    "unique",
					Message: fmt.Sprintf("%s must be unique, record %d already has this value", col.Name, r.ID),
					Value:   want,
				})
				break
			}
		}
	}
	if len(details) > 0 {
		return UniqueViolationError(details)
	}
	return nil
}

func (e *Engine) loadRecords(ctx context.Context, t *metadata.Table) ([]*Record, error) {
	docs, err := e.backend.Scan(ctx, storeKey(t.Key()))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", t.Key(), err)
	}
	rows := make([]*Record, len(docs))
	for i, doc := range docs {
		rows[i] = recordFromDocument(t, doc, e.logger)
	}
	return rows, nil
}

func (e *Engine) Get(ctx context.Context, key metadata.TableKey, id int64) (*Record, error) {
	unlock := e.locks.rlock(key)
	defer unlock()

	t, err := e.registry.GetSchema(key)
	if err != nil {
		return nil, err
	}
	doc, err := e.backend.Get(ctx, storeKey(key), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError("Record", id)
	}
	if err != nil {
		return nil, err
	}
	return recordFromDocument(t, doc, e.logger), nil
}

// Update merges partial into the stored record, key by key, and validates
// the merged result as a whole. PUT and PATCH share these semantics.
func (e *Engine) Update(ctx context.Context, key metadata.TableKey, id int64, partial map[string]any) (*Record, error) {
	ctx, span := startSpan(ctx, "records", "records.update", key)
	span.SetMetadata("record_id", id)
	unlock := e.locks.lock(key)
	defer unlock()

	rec, err := e.updateLocked(ctx, key, id, partial)
	if err == nil {
		instrumentEvent(ctx, "update", key, id)
	}
	finish(span, err)
	return rec, err
}

func (e *Engine) updateLocked(ctx context.Context, key metadata.TableKey, id int64, partial map[string]any) (*Record, error) {
	t, err := e.registry.GetSchema(key)
	if err != nil {
		return nil, err
	}
	if err := e.ensureActive(key.App); err != nil {
		return nil, err
	}
	doc, err := e.backend.Get(ctx, storeKey(key), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError("Record", id)
	}
	if err != nil {
		return nil, err
	}

	merged := recordFromDocument(t, doc, e.logger).Data
	for k, v := range partial {
		merged[k] = v
	}
	data, err := e.validate(t, merged)
	if err != nil {
		return nil, err
	}
	if err := e.checkUnique(ctx, t, data, id); err != nil {
		return nil, err
	}

	// stored values that no longer match their column are kept as they were
	// unless the update sets them
	stored := make(map[string]any, len(data))
	for k, v := range data {
		stored[k] = v
	}
	for k, v := range doc.Values {
		if _, set := partial[k]; set {
			continue
		}
		if _, kept := stored[k]; !kept {
			stored[k] = v
		}
	}

	doc.Values = stored
	doc.UpdatedAt = e.now()
	if err := e.backend.Replace(ctx, storeKey(key), doc); err != nil {
		return nil, fmt.Errorf("update %s/%d: %w", key, id, err)
	}
	return &Record{ID: id, Data: data, CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt}, nil
}

func (e *Engine) Delete(ctx context.Context, key metadata.TableKey, id int64) error {
	ctx, span := startSpan(ctx, "records", "records.delete", key)
	span.SetMetadata("record_id", id)
	unlock := e.locks.lock(key)
	defer unlock()

	err := e.deleteLocked(ctx, key, id)
	if err == nil {
		instrumentEvent(ctx, "delete", key, id)
	}
	finish(span, err)
	return err
}

func (e *Engine) deleteLocked(ctx context.Context, key metadata.TableKey, id int64) error {
	if _, err := e.registry.GetSchema(key); err != nil {
		return err
	}
	if err := e.ensureActive(key.App); err != nil {
		return err
	}
	err := e.backend.Delete(ctx, storeKey(key), id)
	if errors.Is(err, store.ErrNotFound) {
		return NotFoundError("Record", id)
	}
	return err
}

// List evaluates q over the records of a table.
func (e *Engine) List(ctx context.Context, key metadata.TableKey, q Query) (QueryResult, error) {
	ctx, span := startSpan(ctx, "records", "records.list", key)
	unlock := e.locks.rlock(key)
	defer unlock()

	res, err := e.listLocked(ctx, key, q)
	if err == nil {
		span.SetMetadata("total", res.Total)
	}
	finish(span, err)
	return res, err
}

func (e *Engine) listLocked(ctx context.Context, key metadata.TableKey, q Query) (QueryResult, error) {
	t, err := e.registry.GetSchema(key)
	if err != nil {
		return QueryResult{}, err
	}
	pred, err := Translate(t, q.Filter)
	if err != nil {
		return QueryResult{}, err
	}
	rows, err := e.loadRecords(ctx, t)
	if err != nil {
		return QueryResult{}, err
	}
	return e.executor.Execute(t, rows, pred, q.Sort, q.Page)
}

func instrumentEvent(ctx context.Context, action string, key metadata.TableKey, id int64) {
	instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, action, key.String(), strconv.FormatInt(id, 10), nil)
}
