package metadata

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// DefinitionSource yields persisted app and table definitions as JSON
// documents. The store backends implement it.
type DefinitionSource interface {
	LoadApps(ctx context.Context) ([][]byte, error)
	LoadTables(ctx context.Context) ([][]byte, error)
}

// LoadAll reads all apps and tables from src and populates the registry.
// Definitions that fail to decode or validate are skipped with a warning.
func LoadAll(ctx context.Context, src DefinitionSource, reg *Registry, logger *zap.SugaredLogger) error {
	apps, err := loadApps(ctx, src, logger)
	if err != nil {
		return fmt.Errorf("load apps: %w", err)
	}

	tables, err := loadTables(ctx, src, logger)
	if err != nil {
		return fmt.Errorf("load tables: %w", err)
	}

	reg.Load(apps, tables)
	logger.Infow("Loaded schema registry", "apps", len(apps), "tables", len(tables))
	return nil
}

func loadApps(ctx context.Context, src DefinitionSource, logger *zap.SugaredLogger) ([]*App, error) {
	raws, err := src.LoadApps(ctx)
	if err != nil {
		return nil, err
	}
	apps := make([]*App, 0, len(raws))
	for _, raw := range raws {
		var app App
		if err := json.Unmarshal(raw, &app); err != nil {
			logger.Warnw("Skipping app definition (invalid JSON)", "error", err)
			continue
		}
		if _, err := NormalizeName(app.Name); err != nil {
			logger.Warnw("Skipping app definition", "app", app.Name, "error", err)
			continue
		}
		apps = append(apps, &app)
	}
	return apps, nil
}

func loadTables(ctx context.Context, src DefinitionSource, logger *zap.SugaredLogger) ([]*Table, error) {
	raws, err := src.LoadTables(ctx)
	if err != nil {
		return nil, err
	}
	tables := make([]*Table, 0, len(raws))
	for _, raw := range raws {
		var t Table
		if err := json.Unmarshal(raw, &t); err != nil {
			logger.Warnw("Skipping table definition (invalid JSON)", "error", err)
			continue
		}
		if err := t.validate(); err != nil {
			logger.Warnw("Skipping table definition", "table", t.Key().String(), "error", err)
			continue
		}
		tables = append(tables, &t)
	}
	return tables, nil
}

// validate re-checks a persisted table, normalizing column types so that
// aliases written by older versions resolve.
func (t *Table) validate() error {
	if _, err := NormalizeName(t.App); err != nil {
		return err
	}
	if _, err := NormalizeName(t.Name); err != nil {
		return err
	}
	seen := make(map[string]bool, len(t.Columns))
	for i := range t.Columns {
		if err := t.Columns[i].Normalize(); err != nil {
			return err
		}
		if seen[t.Columns[i].Name] {
			return fmt.Errorf("%w: column %q declared twice", ErrDuplicateName, t.Columns[i].Name)
		}
		seen[t.Columns[i].Name] = true
	}
	if t.Version < 1 {
		t.Version = 1
	}
	return nil
}
