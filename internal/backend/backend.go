// Package backend abstracts CRUD, DDL and transaction control over the
// supported storage engines. Adapters are constructed disconnected by Open
// and own exactly one connection once Connect succeeds; the facade owns
// the instance for the duration of a request or session alias.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"dbbridge/internal/schema"
)

// Config carries everything Open needs to build an adapter.
type Config struct {
	// Type selects the backend: sqlite, postgres, mysql or csv.
	Type string
	// DSN is the resolved connection locator: a file path for sqlite, a
	// directory for csv, a driver DSN for the networked backends.
	DSN string
	// Label is the human name from the schema document, used in logs.
	Label string
	// Schema supplies declared-table knowledge to backends that need it
	// (the csv adapter reads foreign-key hints for joins). Optional.
	Schema *schema.Document
}

// Adapter is the capability contract every backend satisfies. Backends
// without native support for a call implement it as a safe approximation
// (the csv adapter buffers writes between Begin and Commit) but never
// corrupt state silently.
type Adapter interface {
	Type() string
	Connect(ctx context.Context) error
	Close() error
	Connected() bool

	Insert(ctx context.Context, table string, fields []string, values []any) (int64, error)
	Select(ctx context.Context, table string, q Query) ([]Row, error)
	Update(ctx context.Context, table string, fields []string, values []any, where []Condition) (int64, error)
	Delete(ctx context.Context, table string, where []Condition) (int64, error)
	Upsert(ctx context.Context, table string, fields []string, values []any, conflict []string) (int64, error)

	ListTables(ctx context.Context) ([]string, error)
	TableExists(ctx context.Context, table string) (bool, error)
	CreateTable(ctx context.Context, table string, cols schema.Table) error
	DropTable(ctx context.Context, table string, ifExists bool) error
	AlterTable(ctx context.Context, table string, changes []Change) error
	Introspect(ctx context.Context, table string) (schema.Table, error)

	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DCLAdapter is the optional grant/revoke capability. Only the networked
// relational backends implement it; callers check via type assertion
// instead of probing with trial calls.
type DCLAdapter interface {
	Grant(ctx context.Context, privilege, table, role string) error
	Revoke(ctx context.Context, privilege, table, role string) error
	ListPrivileges(ctx context.Context, table string) ([]Privilege, error)
}

// TableRecreator is implemented by backends that cannot modify or drop
// columns in place. RecreateTable builds a shadow table with the new
// column set, copies the transformable columns, drops the original and
// renames the shadow into place. It must run inside the caller's open
// transaction so a failed migration rolls the rebuild back too.
type TableRecreator interface {
	RecreateTable(ctx context.Context, table string, cols schema.Table) error
}

// Privilege is one row of a ListPrivileges result.
type Privilege struct {
	Role      string
	Table     string
	Privilege string
}

// Open constructs a disconnected adapter for the configured backend type.
// The logger is injected before construction so connect failures are
// observable from the first call.
func Open(cfg Config, logger *slog.Logger) (Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "sqlite":
		return newSQLiteAdapter(cfg, logger), nil
	case "postgres":
		return newPostgresAdapter(cfg, logger), nil
	case "mysql":
		return newMySQLAdapter(cfg, logger), nil
	case "csv":
		return newCSVAdapter(cfg, logger), nil
	default:
		return nil, &UnknownBackendError{Type: cfg.Type, Available: Types()}
	}
}

// Types lists the supported backend type names, sorted.
func Types() []string {
	names := []string{"csv", "mysql", "postgres", "sqlite"}
	sort.Strings(names)
	return names
}

// UnknownBackendError is returned by Open for an unrecognized backend type.
type UnknownBackendError struct {
	Type      string
	Available []string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("unknown backend type %q (available: %s)", e.Type, strings.Join(e.Available, ", "))
}
