package schemamigrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckclient/duckclient/internal/duckerr"
)

const oldSchema = `
CREATE TABLE accounts (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
`

func TestDiffDetectsNewTable(t *testing.T) {
	t.Parallel()
	newSchema := oldSchema + `
CREATE TABLE sessions (
	id INTEGER PRIMARY KEY,
	account_id INTEGER NOT NULL
);
`
	stmts, err := Diff(oldSchema, newSchema)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], "CREATE TABLE sessions")
}

func TestDiffDetectsNewColumn(t *testing.T) {
	t.Parallel()
	newSchema := `
CREATE TABLE accounts (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT
);
`
	stmts, err := Diff(oldSchema, newSchema)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], "ALTER TABLE accounts ADD COLUMN")
	assert.Contains(t, stmts[0], "email")
}

func TestDiffNoChangesProducesEmpty(t *testing.T) {
	t.Parallel()
	stmts, err := Diff(oldSchema, oldSchema)
	require.NoError(t, err)
	assert.Empty(t, stmts)
}

func TestDiffRejectsDroppedTable(t *testing.T) {
	t.Parallel()
	newSchema := `CREATE TABLE other (id INTEGER PRIMARY KEY);`
	_, err := Diff(oldSchema, newSchema)
	require.Error(t, err)
	assert.Equal(t, duckerr.KindInvalidManifest, duckerr.KindOf(err))
}

func TestDiffRejectsDroppedColumn(t *testing.T) {
	t.Parallel()
	newSchema := `CREATE TABLE accounts (id INTEGER PRIMARY KEY);`
	_, err := Diff(oldSchema, newSchema)
	require.Error(t, err)
	assert.Equal(t, duckerr.KindInvalidManifest, duckerr.KindOf(err))
}
