package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tablekit/internal/metadata"
	"tablekit/internal/store"
)

// AppUpdate carries optional changes to an app.
type AppUpdate struct {
	Name   *string `json:"name,omitempty"`
	Active *bool   `json:"active,omitempty"`
}

// TableInfo is a table schema with its current record count.
type TableInfo struct {
	*metadata.Table
	RecordCount int64 `json:"record_count"`
}

func (e *Engine) saveApp(ctx context.Context, app *metadata.App) error {
	def, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal app %s: %w", app.Name, err)
	}
	return e.backend.SaveApp(ctx, app.Name, def)
}

func (e *Engine) saveTable(ctx context.Context, t *metadata.Table) error {
	def, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal table %s: %w", t.Key(), err)
	}
	return e.backend.SaveTable(ctx, storeKey(t.Key()), def)
}

func (e *Engine) CreateApp(ctx context.Context, name, displayName, description string) (*metadata.App, error) {
	app, err := e.registry.DefineApp(name, displayName, description)
	if err != nil {
		return nil, err
	}
	if err := e.saveApp(ctx, app); err != nil {
		e.registry.RestoreApp(app.Name, nil)
		return nil, fmt.Errorf("persist app %s: %w", app.Name, err)
	}
	e.logger.Infow("App created", "app", app.Name)
	return app, nil
}

func (e *Engine) ListApps() []*metadata.App {
	return e.registry.Apps()
}

// UpdateApp toggles the active flag and/or renames the app. Renaming is
// refused once any table of the app holds records.
func (e *Engine) UpdateApp(ctx context.Context, name string, upd AppUpdate) (*metadata.App, error) {
	app, err := e.registry.GetApp(name)
	if err != nil {
		return nil, err
	}

	if upd.Active != nil && *upd.Active != app.Active {
		prev := *app
		app, err = e.registry.SetAppActive(name, *upd.Active)
		if err != nil {
			return nil, err
		}
		if err := e.saveApp(ctx, app); err != nil {
			e.registry.RestoreApp(name, &prev)
			return nil, fmt.Errorf("persist app %s: %w", name, err)
		}
	}

	if upd.Name != nil {
		return e.renameApp(ctx, app, *upd.Name)
	}
	return app, nil
}

func (e *Engine) renameApp(ctx context.Context, app *metadata.App, newName string) (*metadata.App, error) {
	normalized, err := metadata.NormalizeName(newName)
	if err != nil {
		return nil, err
	}
	if normalized == app.Name {
		return app, nil
	}
	if !app.Active {
		return nil, fmt.Errorf("%w: %s", metadata.ErrAppInactive, app.Name)
	}

	// the registry refuses the rename when the table set moved after the
	// snapshot; retry against a fresh one
	for attempt := 1; ; attempt++ {
		renamed, err := e.renameAppTables(ctx, app.Name, normalized)
		if errors.Is(err, metadata.ErrConcurrentChange) && attempt < renameAttempts {
			e.logger.Debugw("Retrying app rename", "app", app.Name, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		e.logger.Infow("App renamed", "from", app.Name, "to", normalized)
		return renamed, nil
	}
}

const renameAttempts = 3

func (e *Engine) renameAppTables(ctx context.Context, oldName, newName string) (*metadata.App, error) {
	tables, err := e.registry.Tables(oldName)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tables))
	keys := make([]metadata.TableKey, 0, 2*len(tables)+2)
	keys = append(keys, appLock(oldName), appLock(newName))
	for _, t := range tables {
		names = append(names, t.Name)
		keys = append(keys, t.Key(), metadata.TableKey{App: newName, Table: t.Name})
	}
	unlock := e.locks.lockMany(keys...)
	defer unlock()

	for _, t := range tables {
		n, err := e.backend.Count(ctx, storeKey(t.Key()))
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, fmt.Errorf("%w: app %s cannot be renamed, table %s holds records", metadata.ErrImmutable, oldName, t.Name)
		}
	}

	renamed, err := e.registry.RenameAppWithTables(oldName, newName, names)
	if err != nil {
		return nil, err
	}
	if err := e.persistAppRename(ctx, oldName, renamed, tables); err != nil {
		if _, rbErr := e.registry.RenameApp(newName, oldName); rbErr != nil {
			e.logger.Errorw("Failed to roll back app rename", "app", newName, "error", rbErr)
		}
		return nil, fmt.Errorf("persist app rename %s: %w", oldName, err)
	}
	return renamed, nil
}

func (e *Engine) persistAppRename(ctx context.Context, oldName string, app *metadata.App, tables []*metadata.Table) error {
	if err := e.saveApp(ctx, app); err != nil {
		return err
	}
	for _, t := range tables {
		from := t.Key()
		to := metadata.TableKey{App: app.Name, Table: t.Name}
		if err := e.backend.RenameTable(ctx, storeKey(from), storeKey(to)); err != nil {
			return err
		}
		moved, err := e.registry.GetSchema(to)
		if err != nil {
			return err
		}
		if err := e.saveTable(ctx, moved); err != nil {
			return err
		}
		if err := e.backend.DeleteTableDef(ctx, storeKey(from)); err != nil {
			return err
		}
	}
	return e.backend.DeleteApp(ctx, oldName)
}

// DefineTable creates a table, creating its app on first use.
func (e *Engine) DefineTable(ctx context.Context, app string, def metadata.TableDefinition) (*metadata.Table, error) {
	appName, err := metadata.NormalizeName(app)
	if err != nil {
		return nil, err
	}
	tableName, err := metadata.NormalizeName(def.Name)
	if err != nil {
		return nil, err
	}
	key := metadata.TableKey{App: appName, Table: tableName}

	ctx, span := startSpan(ctx, "schema", "schema.define_table", key)
	unlock := e.locks.lockMany(key, appLock(appName))
	defer unlock()

	_, appErr := e.registry.GetApp(appName)
	newApp := appErr != nil

	t, err := e.registry.DefineTable(appName, def)
	if err != nil {
		finish(span, err)
		return nil, err
	}

	err = e.persistNewTable(ctx, t, newApp)
	if err != nil {
		e.registry.Restore(key, nil)
		if newApp {
			e.registry.RestoreApp(appName, nil)
		}
		err = fmt.Errorf("persist table %s: %w", key, err)
	} else {
		e.logger.Infow("Table defined", "table", key.String(), "columns", len(t.Columns))
	}
	finish(span, err)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Engine) persistNewTable(ctx context.Context, t *metadata.Table, newApp bool) error {
	if newApp {
		app, err := e.registry.GetApp(t.App)
		if err != nil {
			return err
		}
		if err := e.saveApp(ctx, app); err != nil {
			return err
		}
	}
	if err := e.backend.EnsureTable(ctx, storeKey(t.Key())); err != nil {
		return err
	}
	return e.saveTable(ctx, t)
}

func (e *Engine) GetTable(key metadata.TableKey) (*metadata.Table, error) {
	return e.registry.GetSchema(key)
}

// ListTables returns the tables of app with their record counts.
func (e *Engine) ListTables(ctx context.Context, app string) ([]TableInfo, error) {
	tables, err := e.registry.Tables(app)
	if err != nil {
		return nil, err
	}
	infos := make([]TableInfo, 0, len(tables))
	for _, t := range tables {
		n, err := e.backend.Count(ctx, storeKey(t.Key()))
		if err != nil {
			return nil, err
		}
		infos = append(infos, TableInfo{Table: t, RecordCount: n})
	}
	return infos, nil
}

// UpdateTable changes table attributes. A rename is refused once the table
// holds records.
func (e *Engine) UpdateTable(ctx context.Context, key metadata.TableKey, upd metadata.TableUpdate) (*metadata.Table, error) {
	prev, err := e.registry.GetSchema(key)
	if err != nil {
		return nil, err
	}
	newKey := key
	if upd.Name != nil {
		name, err := metadata.NormalizeName(*upd.Name)
		if err != nil {
			return nil, err
		}
		newKey.Table = name
	}

	ctx, span := startSpan(ctx, "schema", "schema.update_table", key)
	unlock := e.locks.lockMany(key, newKey)
	defer unlock()

	t, err := e.updateTableLocked(ctx, prev, newKey, upd)
	finish(span, err)
	return t, err
}

func (e *Engine) updateTableLocked(ctx context.Context, prev *metadata.Table, newKey metadata.TableKey, upd metadata.TableUpdate) (*metadata.Table, error) {
	key := prev.Key()
	if newKey != key {
		n, err := e.backend.Count(ctx, storeKey(key))
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, fmt.Errorf("%w: table %s holds %d records and cannot be renamed", metadata.ErrImmutable, key, n)
		}
	}

	t, err := e.registry.UpdateTable(key, upd)
	if err != nil {
		return nil, err
	}

	err = e.persistTableUpdate(ctx, key, t)
	if err != nil {
		e.registry.Restore(t.Key(), prev)
		return nil, fmt.Errorf("persist table %s: %w", key, err)
	}
	return t, nil
}

func (e *Engine) persistTableUpdate(ctx context.Context, oldKey metadata.TableKey, t *metadata.Table) error {
	if t.Key() != oldKey {
		if err := e.backend.RenameTable(ctx, storeKey(oldKey), storeKey(t.Key())); err != nil {
			return err
		}
		if err := e.backend.DeleteTableDef(ctx, storeKey(oldKey)); err != nil {
			return err
		}
	}
	return e.saveTable(ctx, t)
}

func (e *Engine) RenameTable(ctx context.Context, key metadata.TableKey, newName string) (*metadata.Table, error) {
	return e.UpdateTable(ctx, key, metadata.TableUpdate{Name: &newName})
}

func (e *Engine) AddColumn(ctx context.Context, key metadata.TableKey, col metadata.Column) (*metadata.Table, error) {
	return e.mutateSchema(ctx, key, "schema.add_column", func() (*metadata.Table, error) {
		return e.registry.AddColumn(key, col)
	})
}

// DropColumn removes a column from the schema. Stored records keep the
// value under the old name; it is no longer validated.
func (e *Engine) DropColumn(ctx context.Context, key metadata.TableKey, name string) (*metadata.Table, error) {
	return e.mutateSchema(ctx, key, "schema.drop_column", func() (*metadata.Table, error) {
		return e.registry.DropColumn(key, name)
	})
}

func (e *Engine) mutateSchema(ctx context.Context, key metadata.TableKey, action string, fn func() (*metadata.Table, error)) (*metadata.Table, error) {
	ctx, span := startSpan(ctx, "schema", action, key)
	unlock := e.locks.lock(key)
	defer unlock()

	prev, err := e.registry.GetSchema(key)
	if err != nil {
		finish(span, err)
		return nil, err
	}
	t, err := fn()
	if err == nil {
		if err = e.saveTable(ctx, t); err != nil {
			e.registry.Restore(key, prev)
			err = fmt.Errorf("persist table %s: %w", key, err)
		}
	}
	finish(span, err)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTable removes the schema and every record of the table.
func (e *Engine) DeleteTable(ctx context.Context, key metadata.TableKey) error {
	ctx, span := startSpan(ctx, "schema", "schema.delete_table", key)
	unlock := e.locks.lock(key)
	defer unlock()

	err := e.deleteTableLocked(ctx, key)
	finish(span, err)
	return err
}

func (e *Engine) deleteTableLocked(ctx context.Context, key metadata.TableKey) error {
	if _, err := e.registry.GetSchema(key); err != nil {
		return err
	}
	if err := e.ensureActive(key.App); err != nil {
		return err
	}
	prev, err := e.registry.DeleteTable(key)
	if err != nil {
		return err
	}
	if err := e.backend.DeleteTableDef(ctx, storeKey(key)); err != nil {
		e.registry.Restore(key, prev)
		return fmt.Errorf("delete table %s: %w", key, err)
	}
	if err := e.backend.DropTable(ctx, storeKey(key)); err != nil {
		// the definition is gone; orphaned rows are unreachable
		e.logger.Warnw("Failed to drop table records", "table", key.String(), "error", err)
	}
	e.logger.Infow("Table deleted", "table", key.String())
	return nil
}

// Load populates the registry from the backend catalog.
func (e *Engine) Load(ctx context.Context) error {
	return metadata.LoadAll(ctx, e.backend, e.registry, e.logger)
}

var _ metadata.DefinitionSource = (store.Backend)(nil)
