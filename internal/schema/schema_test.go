package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestValidateRequiresBackendType(t *testing.T) {
	doc := &Document{Name: "orders", Tables: map[string]Table{}}
	err := doc.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"type" is required`)
}

func TestValidateRejectsUnknownColumnType(t *testing.T) {
	doc := &Document{
		Name:     "orders",
		Metadata: Metadata{Type: "sqlite"},
		Tables: map[string]Table{
			"orders": {"total": {Type: "money"}},
		},
	}
	err := doc.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown type "money"`)
}

func TestColumnEqualEffectiveConstraints(t *testing.T) {
	// A primary key implies NOT NULL and UNIQUE; introspection may not
	// report them separately.
	declared := Column{Type: TypeInteger, PrimaryKey: true, Required: true, Unique: true}
	introspected := Column{Type: TypeInteger, PrimaryKey: true}
	assert.True(t, declared.Equal(introspected))

	assert.False(t, Column{Type: TypeString}.Equal(Column{Type: TypeInteger}))
	assert.False(t, Column{Type: TypeString}.Equal(Column{Type: TypeString, Required: true}))
	assert.True(t, Column{Type: TypeString, Default: strptr("x")}.Equal(Column{Type: TypeString, Default: strptr("x")}))
	assert.False(t, Column{Type: TypeString, Default: strptr("x")}.Equal(Column{Type: TypeString}))
}

func TestFKTarget(t *testing.T) {
	c := Column{Type: TypeInteger, ForeignKey: "users.id"}
	table, col, ok := c.FKTarget()
	require.True(t, ok)
	assert.Equal(t, "users", table)
	assert.Equal(t, "id", col)

	_, _, ok = Column{Type: TypeInteger}.FKTarget()
	assert.False(t, ok)
}

func TestSnapshotHashStable(t *testing.T) {
	snap := Snapshot{
		"users": {
			"id":    {Type: TypeInteger, PrimaryKey: true},
			"email": {Type: TypeString, Unique: true},
		},
	}
	h1 := snap.Hash()
	h2 := snap.Hash()
	assert.Equal(t, h1, h2)

	changed := Snapshot{
		"users": {
			"id":    {Type: TypeInteger, PrimaryKey: true},
			"email": {Type: TypeString},
		},
	}
	assert.NotEqual(t, h1, changed.Hash())
}

func TestLoadDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inventory.yaml")
	content := `metadata:
  type: sqlite
  label: Inventory
  migration: true
  migration_version: "2"
tables:
  items:
    id:
      type: integer
      primary_key: true
    name:
      type: string
      required: true
    qty:
      type: integer
      default: "0"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "inventory", doc.Name)
	assert.Equal(t, "sqlite", doc.Metadata.Type)
	assert.True(t, doc.Metadata.Migration)
	require.Contains(t, doc.Tables, "items")
	assert.True(t, doc.Tables["items"]["id"].PrimaryKey)
	require.NotNil(t, doc.Tables["items"]["qty"].Default)
	assert.Equal(t, "0", *doc.Tables["items"]["qty"].Default)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}
