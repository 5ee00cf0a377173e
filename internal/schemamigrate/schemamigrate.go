// Package schemamigrate implements the Migrating-schema step of spec
// §4.10: it diffs the archived init_schema.sql (the version before a
// replace) against the newly delivered one, produces an additive-only DDL
// diff, and applies it through goose. The goose wiring follows the
// teacher's MigrationManager (SetDialect then a directory-driven Up),
// generalized from a versioned migrations/ directory to a single
// diff-generated migration file per upgrade.
//
// The diff algorithm itself is intentionally simple: spec §2 notes the SQL
// schema diff generator's algorithm is unspecified, and no example repo in
// the corpus ships an importable general-purpose SQL schema differ (the
// closest, cockroachdb's parser, is not an independently importable
// module), so this package extracts CREATE TABLE/COLUMN definitions with
// regexp rather than a full SQL parser.
package schemamigrate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/duckclient/duckclient/internal/duckerr"
)

var (
	createTableRe = regexp.MustCompile(`(?is)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([a-zA-Z0-9_."]+)\s*\((.*?)\)\s*;`)
	columnLineRe  = regexp.MustCompile(`(?i)^\s*([a-zA-Z0-9_"]+)\s+([a-zA-Z0-9_()]+.*?)\s*(?:,)?\s*$`)
)

type table struct {
	name    string
	columns map[string]string // column name -> full definition
	order   []string
}

func parseSchema(sql string) map[string]table {
	tables := make(map[string]table)
	for _, m := range createTableRe.FindAllStringSubmatch(sql, -1) {
		name := strings.Trim(m[1], `"`)
		body := m[2]
		t := table{name: name, columns: map[string]string{}}
		for _, line := range splitColumnDefs(body) {
			line = strings.TrimSpace(line)
			if line == "" || isConstraintLine(line) {
				continue
			}
			cm := columnLineRe.FindStringSubmatch(line)
			if cm == nil {
				continue
			}
			colName := strings.Trim(cm[1], `"`)
			t.columns[colName] = line
			t.order = append(t.order, colName)
		}
		tables[name] = t
	}
	return tables
}

// splitColumnDefs splits a CREATE TABLE body on top-level commas, ignoring
// commas nested inside parentheses (e.g. NUMERIC(10,2)).
func splitColumnDefs(body string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range body {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, body[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, body[start:])
	return parts
}

func isConstraintLine(line string) bool {
	upper := strings.ToUpper(strings.TrimSpace(line))
	for _, kw := range []string{"PRIMARY KEY", "FOREIGN KEY", "UNIQUE", "CHECK", "CONSTRAINT"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

// Diff compares oldSchema against newSchema and returns an ordered,
// additive-only DDL statement list: new tables become CREATE TABLE, new
// columns on existing tables become ALTER TABLE ... ADD COLUMN. Any
// removed table or column is treated as a non-additive change the
// executor must refuse (spec §9 "If the generator produces non-additive
// DDL, the behavior is undefined; the executor should refuse").
func Diff(oldSchema, newSchema string) ([]string, error) {
	oldTables := parseSchema(oldSchema)
	newTables := parseSchema(newSchema)

	var statements []string
	var newNames []string
	for name := range newTables {
		newNames = append(newNames, name)
	}
	sort.Strings(newNames)

	for _, name := range newNames {
		nt := newTables[name]
		ot, existed := oldTables[name]
		if !existed {
			statements = append(statements, createTableDDL(nt))
			continue
		}
		for _, col := range nt.order {
			if _, ok := ot.columns[col]; !ok {
				statements = append(statements, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", nt.name, nt.columns[col]))
			}
		}
	}

	for oldName, ot := range oldTables {
		if _, stillExists := newTables[oldName]; !stillExists {
			return nil, duckerr.New(duckerr.KindInvalidManifest, "schemamigrate.Diff",
				fmt.Errorf("table %q was removed: schema diff must be additive-only", ot.name))
		}
		nt := newTables[oldName]
		for _, col := range ot.order {
			if _, stillExists := nt.columns[col]; !stillExists {
				return nil, duckerr.New(duckerr.KindInvalidManifest, "schemamigrate.Diff",
					fmt.Errorf("column %q.%q was removed: schema diff must be additive-only", ot.name, col))
			}
		}
	}

	return statements, nil
}

func createTableDDL(t table) string {
	defs := make([]string, 0, len(t.order))
	for _, col := range t.order {
		defs = append(defs, t.columns[col])
	}
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n);", t.name, strings.Join(defs, ",\n\t"))
}

// Apply writes statements as a single timestamped goose migration file
// into dir and runs goose.Up against db (spec §4.10's "execute it against
// the database service").
func Apply(ctx context.Context, db *sql.DB, dialect, dir string, statements []string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if len(statements) == 0 {
		logger.Info("schema diff produced no statements, nothing to apply")
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return duckerr.New(duckerr.KindIO, "schemamigrate.Apply", err).WithPath(dir)
	}

	filename := fmt.Sprintf("%d_duckclient_upgrade.sql", time.Now().UTC().UnixNano())
	path := filepath.Join(dir, filename)
	content := "-- +goose Up\n" + strings.Join(statements, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return duckerr.New(duckerr.KindIO, "schemamigrate.Apply", err).WithPath(path)
	}

	if err := goose.SetDialect(dialect); err != nil {
		return duckerr.New(duckerr.KindIO, "schemamigrate.Apply", err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return duckerr.New(duckerr.KindIO, "schemamigrate.Apply", fmt.Errorf("applying schema diff: %w", err))
	}

	logger.Info("schema diff applied", "statements", len(statements), "migration_file", filename)
	return nil
}
