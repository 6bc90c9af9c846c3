package facade

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbbridge/internal/backend"
	"dbbridge/internal/config"
	"dbbridge/internal/migrate"
	"dbbridge/internal/schema"
	"dbbridge/internal/testutil"
)

// writeSchema writes a csv-backed schema document and points its
// conventional env var at a temp data directory.
func writeSchema(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	dataDir := t.TempDir()
	t.Setenv(config.NamedConnectionVar(name), dataDir)

	path := filepath.Join(dir, name+".yaml")
	content := `metadata:
  type: csv
  label: Test store
  migration: true
  migration_version: "1"
tables:
  items:
    id:
      type: integer
      primary_key: true
    name:
      type: string
      required: true
  tags:
    id:
      type: integer
      primary_key: true
    label:
      type: string
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	f := New(config.Config{AppliedBy: "tester"}, NewRegistry(logger), logger)
	t.Cleanup(func() { f.Registry().CloseAll(context.Background()) })
	return f
}

func TestInsertAutoCreatesDeclaredTable(t *testing.T) {
	path := writeSchema(t, "store")
	f := newTestFacade(t)
	ctx := context.Background()

	resp, err := f.Do(ctx, Request{
		Model:  path,
		Action: ActionInsert,
		Table:  "items",
		Options: Options{
			Fields: []string{"id", "name"},
			Values: []any{1, "bolt"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.RowsAffected)

	resp, err = f.Do(ctx, Request{Model: path, Action: ActionRead, Table: "items"})
	require.NoError(t, err)
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, "bolt", resp.Rows[0]["name"])
}

func TestSessionScopedReusesAdapter(t *testing.T) {
	path := writeSchema(t, "sessions")
	f := newTestFacade(t)
	ctx := context.Background()
	sess := &SessionContext{Alias: "worker-1"}

	_, err := f.Do(ctx, Request{Model: path, Action: ActionListTables, Session: sess})
	require.NoError(t, err)
	first := f.Registry().Get("worker-1")
	require.NotNil(t, first)
	assert.True(t, first.Adapter.Connected())

	_, err = f.Do(ctx, Request{Model: path, Action: ActionListTables, Session: sess})
	require.NoError(t, err)
	second := f.Registry().Get("worker-1")
	require.NotNil(t, second)
	assert.Same(t, first.Adapter, second.Adapter)

	require.NoError(t, f.Registry().Evict(ctx, "worker-1"))
	assert.Nil(t, f.Registry().Get("worker-1"))
}

func TestSessionWithoutAliasGetsOne(t *testing.T) {
	path := writeSchema(t, "anon")
	f := newTestFacade(t)
	sess := &SessionContext{}

	_, err := f.Do(context.Background(), Request{Model: path, Action: ActionListTables, Session: sess})
	require.NoError(t, err)
	require.NotEmpty(t, sess.Alias)
	assert.NotNil(t, f.Registry().Get(sess.Alias))
}

func TestOneShotLeavesNoSession(t *testing.T) {
	path := writeSchema(t, "oneshot")
	f := newTestFacade(t)

	_, err := f.Do(context.Background(), Request{Model: path, Action: ActionListTables})
	require.NoError(t, err)
	assert.Nil(t, f.Registry().Get("oneshot"))
}

func TestHooksObserveInsertAndNeverAbort(t *testing.T) {
	path := writeSchema(t, "hooked")
	f := newTestFacade(t)
	ctx := context.Background()

	var before, after int
	f.Hooks().Register("count-before", func(_ context.Context, table string, _ []string, _ []any) error {
		before++
		assert.Equal(t, "items", table)
		return nil
	})
	f.Hooks().Register("explode", func(context.Context, string, []string, []any) error {
		after++
		return fmt.Errorf("hook blew up")
	})
	require.NoError(t, f.Hooks().Bind(BeforeInsert, "count-before"))
	require.NoError(t, f.Hooks().Bind(AfterInsert, "explode"))

	resp, err := f.Do(ctx, Request{
		Model:  path,
		Action: ActionInsert,
		Table:  "items",
		Options: Options{
			Fields: []string{"id", "name"},
			Values: []any{1, "bolt"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.RowsAffected)
	assert.Equal(t, 1, before)
	assert.Equal(t, 1, after)
}

func TestBindUnknownHookFails(t *testing.T) {
	f := newTestFacade(t)
	require.Error(t, f.Hooks().Bind(BeforeUpdate, "nope"))
}

func TestMigrateThroughFacade(t *testing.T) {
	path := writeSchema(t, "migrating")
	f := newTestFacade(t)
	ctx := context.Background()

	resp, err := f.Do(ctx, Request{
		Model:   path,
		Action:  ActionMigrate,
		Options: Options{AutoApprove: true},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Migration)
	assert.Equal(t, migrate.StateCommitted, resp.Migration.State)

	resp, err = f.Do(ctx, Request{Model: path, Action: ActionListTables})
	require.NoError(t, err)
	assert.Contains(t, resp.Tables, "items")
}

func TestUnresolvedModelReference(t *testing.T) {
	f := newTestFacade(t)

	_, err := f.Do(context.Background(), Request{Action: ActionRead, Table: "items"})
	require.ErrorIs(t, err, ErrNotInitialized)

	_, err = f.Do(context.Background(), Request{Model: "never-loaded", Action: ActionRead})
	require.Error(t, err)
	var nf *schema.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestMultiTableRequestFansOut(t *testing.T) {
	path := writeSchema(t, "fanout")
	f := newTestFacade(t)
	ctx := context.Background()

	_, err := f.Do(ctx, Request{
		Model:  path,
		Action: ActionCreate,
		Tables: []string{"items", "tags"},
	})
	require.NoError(t, err)

	resp, err := f.Do(ctx, Request{Model: path, Action: ActionListTables})
	require.NoError(t, err)
	assert.Contains(t, resp.Tables, "items")
	assert.Contains(t, resp.Tables, "tags")

	_, err = f.Do(ctx, Request{
		Model:  path,
		Action: ActionDrop,
		Tables: []string{"items", "tags"},
	})
	require.NoError(t, err)

	resp, err = f.Do(ctx, Request{Model: path, Action: ActionListTables})
	require.NoError(t, err)
	assert.NotContains(t, resp.Tables, "items")
	assert.NotContains(t, resp.Tables, "tags")
}

func TestSessionTransactionPassThrough(t *testing.T) {
	path := writeSchema(t, "txn")
	f := newTestFacade(t)
	ctx := context.Background()
	sess := &SessionContext{Alias: "tx-1"}

	_, err := f.Do(ctx, Request{
		Model:   path,
		Action:  ActionMigrate,
		Options: Options{AutoApprove: true},
		Session: sess,
	})
	require.NoError(t, err)

	require.ErrorIs(t, f.Begin(ctx, "ghost"), ErrNotInitialized)

	require.NoError(t, f.Begin(ctx, "tx-1"))
	_, err = f.Do(ctx, Request{
		Model:  path,
		Action: ActionInsert,
		Table:  "items",
		Options: Options{
			Fields: []string{"id", "name"},
			Values: []any{1, "bolt"},
		},
		Session: sess,
	})
	require.NoError(t, err)
	require.NoError(t, f.Rollback(ctx, "tx-1"))

	// The rolled-back insert never lands.
	resp, err := f.Do(ctx, Request{Model: path, Action: ActionRead, Table: "items", Session: sess})
	require.NoError(t, err)
	assert.Empty(t, resp.Rows)

	require.NoError(t, f.Begin(ctx, "tx-1"))
	_, err = f.Do(ctx, Request{
		Model:  path,
		Action: ActionInsert,
		Table:  "items",
		Options: Options{
			Fields: []string{"id", "name"},
			Values: []any{2, "nut"},
		},
		Session: sess,
	})
	require.NoError(t, err)
	require.NoError(t, f.Commit(ctx, "tx-1"))

	resp, err = f.Do(ctx, Request{Model: path, Action: ActionRead, Table: "items", Session: sess})
	require.NoError(t, err)
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, "nut", resp.Rows[0]["name"])
}

func TestGrantUnsupportedOnTabularBackend(t *testing.T) {
	path := writeSchema(t, "grants")
	f := newTestFacade(t)

	err := f.Grant(context.Background(), path, "SELECT", "items", "reader")
	require.Error(t, err)
	var unsup *backend.UnsupportedError
	require.ErrorAs(t, err, &unsup)
	assert.Equal(t, backend.OpGrant, unsup.Op)
}

func TestHeadCapsRows(t *testing.T) {
	path := writeSchema(t, "headtest")
	f := newTestFacade(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, err := f.Do(ctx, Request{
			Model:  path,
			Action: ActionInsert,
			Table:  "items",
			Options: Options{
				Fields: []string{"id", "name"},
				Values: []any{i, fmt.Sprintf("part-%d", i)},
			},
		})
		require.NoError(t, err)
	}

	resp, err := f.Do(ctx, Request{Model: path, Action: ActionHead, Table: "items"})
	require.NoError(t, err)
	assert.Len(t, resp.Rows, headLimit)
}
