package metadata

import "time"

// TableKey addresses a table inside an app namespace.
type TableKey struct {
	App   string `json:"app"`
	Table string `json:"table"`
}

func (k TableKey) String() string {
	return k.App + "/" + k.Table
}

type App struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Table is an immutable snapshot of a table schema. The registry replaces
// snapshots on every change and bumps Version.
type Table struct {
	ID          string    `json:"id"`
	App         string    `json:"app"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	Columns     []Column  `json:"columns"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableDefinition is the authoring input for a new table.
type TableDefinition struct {
	Name        string   `json:"table" yaml:"table"`
	DisplayName string   `json:"display_name" yaml:"display_name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Columns     []Column `json:"columns" yaml:"columns"`
}

// TableUpdate carries optional changes to table-level attributes.
type TableUpdate struct {
	Name        *string `json:"name,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (t *Table) Key() TableKey {
	return TableKey{App: t.App, Table: t.Name}
}

// GetColumn returns a pointer to the column with the given name, or nil.
func (t *Table) GetColumn(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

func (t *Table) HasColumn(name string) bool {
	return t.GetColumn(name) != nil
}

func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Field resolves a declared column or one of the system fields, which are
// typed as integer (id) and datetime (timestamps).
func (t *Table) Field(name string) (Column, bool) {
	switch name {
	case FieldID:
		return Column{Name: FieldID, Type: TypeInteger}, true
	case FieldCreatedAt, FieldUpdatedAt:
		return Column{Name: name, Type: TypeDateTime}, true
	}
	if c := t.GetColumn(name); c != nil {
		return *c, true
	}
	return Column{}, false
}

// UniqueColumns returns the columns marked unique.
func (t *Table) UniqueColumns() []Column {
	var cols []Column
	for _, c := range t.Columns {
		if c.Unique {
			cols = append(cols, c)
		}
	}
	return cols
}

func (t *Table) clone() *Table {
	out := *t
	out.Columns = make([]Column, len(t.Columns))
	for i, c := range t.Columns {
		out.Columns[i] = c.clone()
	}
	return &out
}
