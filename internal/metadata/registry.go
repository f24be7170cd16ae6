package metadata

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry holds app and table definitions. Tables are handed out as
// immutable snapshots; every mutation installs a new snapshot and notifies
// subscribers with the affected keys.
type Registry struct {
	mu          sync.RWMutex
	apps        map[string]*App
	tables      map[TableKey]*Table
	subscribers []func(TableKey)
	now         func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		apps:   make(map[string]*App),
		tables: make(map[TableKey]*Table),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers fn to be called after any change to a table schema.
func (r *Registry) Subscribe(fn func(TableKey)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

func (r *Registry) notify(keys ...TableKey) {
	r.mu.RLock()
	subs := append([]func(TableKey){}, r.subscribers...)
	r.mu.RUnlock()
	for _, key := range keys {
		for _, fn := range subs {
			fn(key)
		}
	}
}

// GetApp returns the app with the given name.
func (r *Registry) GetApp(name string) (*App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAppNotFound, name)
	}
	cp := *app
	return &cp, nil
}

// Apps returns all registered apps ordered by name.
func (r *Registry) Apps() []*App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	apps := make([]*App, 0, len(r.apps))
	for _, a := range r.apps {
		cp := *a
		apps = append(apps, &cp)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps
}

// DefineApp registers a new app namespace.
func (r *Registry) DefineApp(name, displayName, description string) (*App, error) {
	normalized, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.apps[normalized]; exists {
		return nil, fmt.Errorf("%w: app %q already exists", ErrDuplicateName, normalized)
	}
	app := r.newApp(normalized, displayName)
	app.Description = description
	r.apps[normalized] = app
	cp := *app
	return &cp, nil
}

func (r *Registry) newApp(name, displayName string) *App {
	if strings.TrimSpace(displayName) == "" {
		displayName = name
	}
	now := r.now()
	return &App{
		ID:          uuid.NewString(),
		Name:        name,
		DisplayName: displayName,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SetAppActive toggles whether the app accepts writes.
func (r *Registry) SetAppActive(name string, active bool) (*App, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAppNotFound, name)
	}
	next := *app
	next.Active = active
	next.UpdatedAt = r.now()
	r.apps[name] = &next
	cp := next
	return &cp, nil
}

// RenameApp moves an app and all of its tables to a new name. Callers are
// responsible for refusing the rename once records exist.
func (r *Registry) RenameApp(oldName, newName string) (*App, error) {
	return r.renameApp(oldName, newName, nil)
}

// RenameAppWithTables renames the app only if it still holds exactly the
// named tables. Otherwise it returns ErrConcurrentChange and changes nothing.
func (r *Registry) RenameAppWithTables(oldName, newName string, tables []string) (*App, error) {
	if tables == nil {
		tables = []string{}
	}
	return r.renameApp(oldName, newName, tables)
}

func (r *Registry) renameApp(oldName, newName string, expect []string) (*App, error) {
	normalized, err := NormalizeName(newName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	app, ok := r.apps[oldName]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAppNotFound, oldName)
	}
	if expect != nil && !r.holdsExactly(oldName, expect) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: tables of app %s changed during rename", ErrConcurrentChange, oldName)
	}
	if normalized == oldName {
		r.mu.Unlock()
		cp := *app
		return &cp, nil
	}
	if _, exists := r.apps[normalized]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: app %q already exists", ErrDuplicateName, normalized)
	}

	next := *app
	next.Name = normalized
	next.UpdatedAt = r.now()
	delete(r.apps, oldName)
	r.apps[normalized] = &next

	var touched []TableKey
	for key, t := range r.tables {
		if key.App != oldName {
			continue
		}
		moved := t.clone()
		moved.App = normalized
		moved.Version++
		moved.UpdatedAt = next.UpdatedAt
		delete(r.tables, key)
		r.tables[moved.Key()] = moved
		touched = append(touched, key, moved.Key())
	}
	r.mu.Unlock()

	r.notify(touched...)
	cp := next
	return &cp, nil
}

// holdsExactly reports whether app has exactly the named tables. r.mu must
// be held.
func (r *Registry) holdsExactly(app string, names []string) bool {
	n := 0
	for key := range r.tables {
		if key.App == app {
			n++
		}
	}
	if n != len(names) {
		return false
	}
	for _, name := range names {
		if _, ok := r.tables[TableKey{App: app, Table: name}]; !ok {
			return false
		}
	}
	return true
}

// RestoreApp reinstalls a previous app snapshot, used to roll back a change
// that could not be persisted.
func (r *Registry) RestoreApp(name string, prev *App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev == nil {
		delete(r.apps, name)
		return
	}
	if prev.Name != name {
		delete(r.apps, name)
	}
	cp := *prev
	r.apps[prev.Name] = &cp
}

// DefineTable creates a table schema inside app. The app namespace is
// created on first use.
func (r *Registry) DefineTable(app string, def TableDefinition) (*Table, error) {
	appName, err := NormalizeName(app)
	if err != nil {
		return nil, err
	}
	name, err := NormalizeName(def.Name)
	if err != nil {
		return nil, err
	}

	columns := make([]Column, 0, len(def.Columns))
	seen := make(map[string]bool, len(def.Columns))
	for _, c := range def.Columns {
		col := c.clone()
		if err := col.Normalize(); err != nil {
			return nil, err
		}
		if seen[col.Name] {
			return nil, fmt.Errorf("%w: column %q declared twice", ErrDuplicateName, col.Name)
		}
		seen[col.Name] = true
		columns = append(columns, col)
	}

	r.mu.Lock()
	a, ok := r.apps[appName]
	if !ok {
		a = r.newApp(appName, "")
		r.apps[appName] = a
	}
	if !a.Active {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAppInactive, appName)
	}
	key := TableKey{App: appName, Table: name}
	if _, exists := r.tables[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: table %q already exists in app %q", ErrDuplicateName, name, appName)
	}

	displayName := strings.TrimSpace(def.DisplayName)
	if displayName == "" {
		displayName = name
	}
	now := r.now()
	t := &Table{
		ID:          uuid.NewString(),
		App:         appName,
		Name:        name,
		DisplayName: displayName,
		Description: def.Description,
		Columns:     columns,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.tables[key] = t
	r.mu.Unlock()

	r.notify(key)
	return t.clone(), nil
}

// GetSchema returns the current snapshot of a table.
func (r *Registry) GetSchema(key TableKey) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, key)
	}
	return t, nil
}

// Tables returns every table of app ordered by name.
func (r *Registry) Tables(app string) ([]*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.apps[app]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrAppNotFound, app)
	}
	var tables []*Table
	for key, t := range r.tables {
		if key.App == app {
			tables = append(tables, t)
		}
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables, nil
}

// AddColumn appends a column to the table schema.
func (r *Registry) AddColumn(key TableKey, col Column) (*Table, error) {
	c := col.clone()
	if err := c.Normalize(); err != nil {
		return nil, err
	}
	return r.mutate(key, func(t *Table) error {
		if t.HasColumn(c.Name) {
			return fmt.Errorf("%w: column %q already exists in %s", ErrDuplicateName, c.Name, key)
		}
		t.Columns = append(t.Columns, c)
		return nil
	})
}

// DropColumn removes a column from the schema. Records keep any stored
// value under the dropped name.
func (r *Registry) DropColumn(key TableKey, name string) (*Table, error) {
	return r.mutate(key, func(t *Table) error {
		for i, c := range t.Columns {
			if c.Name == name {
				t.Columns = append(t.Columns[:i], t.Columns[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %q in %s", ErrColumnNotFound, name, key)
	})
}

// UpdateTable changes the table name, display name or description.
// Callers are responsible for refusing a rename once records exist.
func (r *Registry) UpdateTable(key TableKey, upd TableUpdate) (*Table, error) {
	newName := key.Table
	if upd.Name != nil {
		n, err := NormalizeName(*upd.Name)
		if err != nil {
			return nil, err
		}
		newName = n
	}

	r.mu.Lock()
	t, ok := r.tables[key]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, key)
	}
	if app := r.apps[key.App]; app != nil && !app.Active {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAppInactive, key.App)
	}
	newKey := TableKey{App: key.App, Table: newName}
	if newKey != key {
		if _, exists := r.tables[newKey]; exists {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: table %q already exists in app %q", ErrDuplicateName, newName, key.App)
		}
	}

	next := t.clone()
	next.Name = newName
	if upd.DisplayName != nil {
		next.DisplayName = *upd.DisplayName
	}
	if upd.Description != nil {
		next.Description = *upd.Description
	}
	next.Version++
	next.UpdatedAt = r.now()
	delete(r.tables, key)
	r.tables[newKey] = next
	r.mu.Unlock()

	if newKey != key {
		r.notify(key, newKey)
	} else {
		r.notify(key)
	}
	return next.clone(), nil
}

func (r *Registry) RenameTable(key TableKey, newName string) (*Table, error) {
	return r.UpdateTable(key, TableUpdate{Name: &newName})
}

// DeleteTable removes a table schema and returns the removed snapshot.
func (r *Registry) DeleteTable(key TableKey) (*Table, error) {
	r.mu.Lock()
	t, ok := r.tables[key]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, key)
	}
	delete(r.tables, key)
	r.mu.Unlock()

	r.notify(key)
	return t, nil
}

// Restore reinstalls prev under its own key and removes key, or just removes
// key when prev is nil. Used to roll back changes that failed to persist.
func (r *Registry) Restore(key TableKey, prev *Table) {
	r.mu.Lock()
	delete(r.tables, key)
	if prev != nil {
		r.tables[prev.Key()] = prev
	}
	r.mu.Unlock()

	if prev != nil && prev.Key() != key {
		r.notify(key, prev.Key())
	} else {
		r.notify(key)
	}
}

// Load replaces all apps and tables in the registry.
// Called during startup with the persisted definitions.
func (r *Registry) Load(apps []*App, tables []*Table) {
	r.mu.Lock()
	var touched []TableKey
	for key := range r.tables {
		touched = append(touched, key)
	}

	r.apps = make(map[string]*App, len(apps))
	for _, a := range apps {
		cp := *a
		r.apps[a.Name] = &cp
	}
	r.tables = make(map[TableKey]*Table, len(tables))
	for _, t := range tables {
		if _, ok := r.apps[t.App]; !ok {
			r.apps[t.App] = r.newApp(t.App, "")
		}
		r.tables[t.Key()] = t.clone()
		touched = append(touched, t.Key())
	}
	r.mu.Unlock()

	r.notify(touched...)
}

func (r *Registry) mutate(key TableKey, fn func(t *Table) error) (*Table, error) {
	r.mu.Lock()
	t, ok := r.tables[key]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, key)
	}
	if app := r.apps[key.App]; app != nil && !app.Active {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAppInactive, key.App)
	}
	next := t.clone()
	if err := fn(next); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	next.Version++
	next.UpdatedAt = r.now()
	r.tables[key] = next
	r.mu.Unlock()

	r.notify(key)
	return next.clone(), nil
}
