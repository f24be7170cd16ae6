package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tablekit/internal/engine"
	"tablekit/internal/metadata"
)

// schemaFile is the YAML document accepted by "schema apply".
type schemaFile struct {
	App         string                     `yaml:"app"`
	DisplayName string                     `yaml:"display_name"`
	Description string                     `yaml:"description"`
	Tables      []metadata.TableDefinition `yaml:"tables"`
}

var (
	schemaPath string
	schemaApp  string
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Apply or inspect table schemas",
}

var schemaApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create the tables of a YAML schema file",
	Long: `Create the app and tables described by a YAML schema file. Tables that
already exist gain any columns they are missing; existing columns are left
untouched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if schemaPath == "" {
			return errors.New("--file is required")
		}
		raw, err := os.ReadFile(schemaPath)
		if err != nil {
			return fmt.Errorf("read schema: %w", err)
		}
		var doc schemaFile
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse schema %s: %w", schemaPath, err)
		}
		if schemaApp != "" {
			doc.App = schemaApp
		}
		if doc.App == "" {
			return errors.New("schema file names no app; pass --app")
		}

		ctx := cmd.Context()
		eng, backend, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		return applySchema(ctx, eng, doc, cmd.OutOrStdout())
	},
}

func applySchema(ctx context.Context, eng *engine.Engine, doc schemaFile, out io.Writer) error {
	appName, err := metadata.NormalizeName(doc.App)
	if err != nil {
		return err
	}
	if _, err := eng.Registry().GetApp(appName); errors.Is(err, metadata.ErrAppNotFound) {
		if _, err := eng.CreateApp(ctx, appName, doc.DisplayName, doc.Description); err != nil {
			return fmt.Errorf("create app %s: %w", appName, err)
		}
		fmt.Fprintf(out, "created app %s\n", appName)
	}

	for _, def := range doc.Tables {
		name, err := metadata.NormalizeName(def.Name)
		if err != nil {
			return err
		}
		key := metadata.TableKey{App: appName, Table: name}

		existing, err := eng.GetTable(key)
		if errors.Is(err, metadata.ErrTableNotFound) {
			t, err := eng.DefineTable(ctx, appName, def)
			if err != nil {
				return fmt.Errorf("define %s: %w", key, err)
			}
			fmt.Fprintf(out, "created table %s (%d columns)\n", key, len(t.Columns))
			continue
		}
		if err != nil {
			return err
		}

		added := 0
		for _, col := range def.Columns {
			colName, err := metadata.NormalizeName(col.Name)
			if err != nil {
				return err
			}
			if existing.HasColumn(colName) {
				continue
			}
			if _, err := eng.AddColumn(ctx, key, col); err != nil {
				return fmt.Errorf("add column %s.%s: %w", key, colName, err)
			}
			added++
		}
		fmt.Fprintf(out, "table %s exists, added %d columns\n", key, added)
	}
	return nil
}

var schemaShowCmd = &cobra.Command{
	Use:   "show [table]",
	Short: "Print the schema of an app or one of its tables as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if schemaApp == "" {
			return errors.New("--app is required")
		}
		ctx := cmd.Context()
		eng, backend, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		table := ""
		if len(args) == 1 {
			table = args[0]
		}
		return showSchema(ctx, eng, schemaApp, table, cmd.OutOrStdout())
	},
}

// showSchema prints one table, or every table of app when table is empty.
// Names are matched the way they were stored, case-insensitively.
func showSchema(ctx context.Context, eng *engine.Engine, app, table string, out io.Writer) error {
	appName, err := metadata.NormalizeName(app)
	if err != nil {
		return err
	}
	var v any
	if table != "" {
		name, err := metadata.NormalizeName(table)
		if err != nil {
			return err
		}
		v, err = eng.GetTable(metadata.TableKey{App: appName, Table: name})
		if err != nil {
			return err
		}
	} else {
		v, err = eng.ListTables(ctx, appName)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	schemaApplyCmd.Flags().StringVarP(&schemaPath, "file", "f", "", "YAML schema file")
	schemaCmd.PersistentFlags().StringVar(&schemaApp, "app", "", "app name")

	schemaCmd.AddCommand(schemaApplyCmd)
	schemaCmd.AddCommand(schemaShowCmd)
}
