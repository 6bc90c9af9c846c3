package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbbridge/internal/schema"
	"dbbridge/internal/testutil"
)

func newTestCSV(t *testing.T, doc *schema.Document) (*csvAdapter, string) {
	t.Helper()
	dir := t.TempDir()
	a := newCSVAdapter(Config{Type: "csv", DSN: dir, Schema: doc}, testutil.NewTestLogger(t))
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() { a.Close() })
	return a, dir
}

func itemColumns() schema.Table {
	return schema.Table{
		"id":   {Type: schema.TypeInteger, PrimaryKey: true},
		"name": {Type: schema.TypeString, Required: true},
		"qty":  {Type: schema.TypeInteger},
	}
}

func TestCSVCRUDRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestCSV(t, nil)

	require.NoError(t, a.CreateTable(ctx, "items", itemColumns()))
	exists, err := a.TableExists(ctx, "items")
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := a.Insert(ctx, "items", []string{"id", "name", "qty"}, []any{1, "bolt", 40})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = a.Insert(ctx, "items", []string{"id", "name", "qty"}, []any{2, "nut", 12})
	require.NoError(t, err)

	rows, err := a.Select(ctx, "items", Query{
		Where: []Condition{{Column: "qty", Op: ">", Value: 20}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bolt", rows[0]["name"])
	assert.Equal(t, int64(40), rows[0]["qty"])

	n, err = a.Update(ctx, "items", []string{"qty"}, []any{13}, []Condition{{Column: "name", Op: "=", Value: "nut"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = a.Delete(ctx, "items", []Condition{{Column: "id", Op: "=", Value: 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err = a.Select(ctx, "items", Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(13), rows[0]["qty"])
}

func TestCSVUpsert(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestCSV(t, nil)
	require.NoError(t, a.CreateTable(ctx, "items", itemColumns()))

	_, err := a.Upsert(ctx, "items", []string{"id", "name", "qty"}, []any{1, "bolt", 40}, []string{"id"})
	require.NoError(t, err)
	_, err = a.Upsert(ctx, "items", []string{"id", "name", "qty"}, []any{1, "bolt", 55}, []string{"id"})
	require.NoError(t, err)

	rows, err := a.Select(ctx, "items", Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(55), rows[0]["qty"])
}

func TestCSVTransactionCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	a, dir := newTestCSV(t, nil)
	require.NoError(t, a.CreateTable(ctx, "items", itemColumns()))

	// Rollback discards staged writes.
	require.NoError(t, a.Begin(ctx))
	_, err := a.Insert(ctx, "items", []string{"id", "name"}, []any{1, "bolt"})
	require.NoError(t, err)
	require.NoError(t, a.Rollback(ctx))
	rows, err := a.Select(ctx, "items", Query{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Commit flushes them to disk.
	require.NoError(t, a.Begin(ctx))
	_, err = a.Insert(ctx, "items", []string{"id", "name"}, []any{1, "bolt"})
	require.NoError(t, err)
	require.NoError(t, a.Commit(ctx))
	rows, err = a.Select(ctx, "items", Query{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	data, err := os.ReadFile(filepath.Join(dir, "items.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "bolt")
}

func TestCSVTransactionalDropRemovesFile(t *testing.T) {
	ctx := context.Background()
	a, dir := newTestCSV(t, nil)
	require.NoError(t, a.CreateTable(ctx, "items", itemColumns()))

	require.NoError(t, a.Begin(ctx))
	require.NoError(t, a.DropTable(ctx, "items", false))
	require.NoError(t, a.Commit(ctx))

	_, err := os.Stat(filepath.Join(dir, "items.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestCSVIntrospectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	doc := &schema.Document{Tables: map[string]schema.Table{"items": itemColumns()}}
	a, dir := newTestCSV(t, doc)
	require.NoError(t, a.CreateTable(ctx, "items", itemColumns()))
	require.NoError(t, a.Close())

	// Typed header cells survive a fresh load.
	b := newCSVAdapter(Config{Type: "csv", DSN: dir}, testutil.NewTestLogger(t))
	require.NoError(t, b.Connect(ctx))
	defer b.Close()

	cols, err := b.Introspect(ctx, "items")
	require.NoError(t, err)
	require.Contains(t, cols, "id")
	assert.True(t, cols["id"].PrimaryKey)
	assert.Equal(t, schema.TypeInteger, cols["id"].Type)
	assert.True(t, cols["name"].Required)
}

func TestCSVTypeInferenceFromBareHeader(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	content := "id,name,price\n1,bolt,0.5\n2,nut,0.1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "parts.csv"), []byte(content), 0o644))

	a := newCSVAdapter(Config{Type: "csv", DSN: dir}, testutil.NewTestLogger(t))
	require.NoError(t, a.Connect(ctx))
	defer a.Close()

	cols, err := a.Introspect(ctx, "parts")
	require.NoError(t, err)
	assert.Equal(t, schema.TypeInteger, cols["id"].Type)
	assert.Equal(t, schema.TypeString, cols["name"].Type)
	assert.Equal(t, schema.TypeFloat, cols["price"].Type)
}

func TestCSVMergeJoinWithForeignKeyHint(t *testing.T) {
	ctx := context.Background()
	doc := &schema.Document{Tables: map[string]schema.Table{
		"users": {
			"id":   {Type: schema.TypeInteger, PrimaryKey: true},
			"name": {Type: schema.TypeString},
		},
		"posts": {
			"id":      {Type: schema.TypeInteger, PrimaryKey: true},
			"user_id": {Type: schema.TypeInteger, ForeignKey: "users.id"},
			"title":   {Type: schema.TypeString},
		},
	}}
	a, _ := newTestCSV(t, doc)
	require.NoError(t, a.CreateTable(ctx, "users", doc.Tables["users"]))
	require.NoError(t, a.CreateTable(ctx, "posts", doc.Tables["posts"]))

	_, err := a.Insert(ctx, "users", []string{"id", "name"}, []any{1, "ada"})
	require.NoError(t, err)
	_, err = a.Insert(ctx, "posts", []string{"id", "user_id", "title"}, []any{10, 1, "hello"})
	require.NoError(t, err)
	_, err = a.Insert(ctx, "posts", []string{"id", "user_id", "title"}, []any{11, 2, "orphan"})
	require.NoError(t, err)

	rows, err := a.Select(ctx, "users", Query{Joins: []Join{{Table: "posts"}}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ada", rows[0]["name"])
	assert.Equal(t, "hello", rows[0]["posts.title"])
}

func TestCSVJoinWithoutHintUnsupported(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestCSV(t, nil)
	require.NoError(t, a.CreateTable(ctx, "users", schema.Table{
		"id": {Type: schema.TypeInteger, PrimaryKey: true},
	}))
	require.NoError(t, a.CreateTable(ctx, "posts", schema.Table{
		"id": {Type: schema.TypeInteger, PrimaryKey: true},
	}))

	_, err := a.Select(ctx, "users", Query{Joins: []Join{{Table: "posts"}}})
	require.Error(t, err)
	var unsup *UnsupportedError
	require.ErrorAs(t, err, &unsup)
	assert.Equal(t, OpJoin, unsup.Op)
}

func TestCSVCommitFailureReleasesTransaction(t *testing.T) {
	ctx := context.Background()
	a, dir := newTestCSV(t, nil)

	require.NoError(t, a.Begin(ctx))
	require.NoError(t, a.CreateTable(ctx, "items", itemColumns()))
	_, err := a.Insert(ctx, "items", []string{"id", "name", "qty"}, []any{1, "bolt", 40})
	require.NoError(t, err)

	// Flushing into a missing directory fails the commit.
	require.NoError(t, os.RemoveAll(dir))
	require.Error(t, a.Commit(ctx))

	// The failed commit abandons the transaction instead of wedging the
	// adapter: Begin works again and the staged table is gone.
	require.NoError(t, a.Begin(ctx))
	exists, err := a.TableExists(ctx, "items")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, a.Rollback(ctx))
}

func TestCSVAlterTable(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestCSV(t, nil)
	require.NoError(t, a.CreateTable(ctx, "items", itemColumns()))
	_, err := a.Insert(ctx, "items", []string{"id", "name", "qty"}, []any{1, "bolt", 40})
	require.NoError(t, err)

	dflt := "none"
	require.NoError(t, a.AlterTable(ctx, "items", []Change{
		{Kind: AddColumn, Column: "note", Def: schema.Column{Type: schema.TypeString, Default: &dflt}},
	}))
	rows, err := a.Select(ctx, "items", Query{})
	require.NoError(t, err)
	assert.Equal(t, "none", rows[0]["note"])

	require.NoError(t, a.AlterTable(ctx, "items", []Change{
		{Kind: ModifyColumn, Column: "qty", Def: schema.Column{Type: schema.TypeString}},
	}))
	cols, err := a.Introspect(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, schema.TypeString, cols["qty"].Type)

	require.NoError(t, a.AlterTable(ctx, "items", []Change{
		{Kind: DropColumn, Column: "note"},
	}))
	cols, err = a.Introspect(ctx, "items")
	require.NoError(t, err)
	assert.NotContains(t, cols, "note")
}

func TestCSVNotConnected(t *testing.T) {
	a := newCSVAdapter(Config{Type: "csv", DSN: t.TempDir()}, testutil.NewTestLogger(t))
	_, err := a.Insert(context.Background(), "items", []string{"id"}, []any{1})
	assert.ErrorIs(t, err, ErrNotConnected)
}
