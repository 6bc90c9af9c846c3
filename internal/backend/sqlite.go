package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"

	"dbbridge/internal/schema"
)

// sqliteAdapter is the embedded-file backend: a single local database
// file with real transactions and enforced foreign keys. Upsert uses
// INSERT OR REPLACE. Column modifications go through table recreation
// since the engine cannot rewrite a column in place.
type sqliteAdapter struct {
	sqlAdapter
}

var sqliteDialect = sqlDialect{
	name:        "sqlite",
	placeholder: placeholderQuestion,
	quote:       quoteDouble,
	nativeType:  sqliteNativeType,
	alterColumnSQL: func(*sqlDialect, string, Change) ([]string, error) {
		return nil, fmt.Errorf("sqlite cannot modify columns in place; use table recreation")
	},
}

func newSQLiteAdapter(cfg Config, logger *slog.Logger) *sqliteAdapter {
	a := &sqliteAdapter{}
	a.cfg = cfg
	a.logger = logger
	a.d = &sqliteDialect
	a.open = func() (*sql.DB, error) {
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, err
		}
		// One file, one connection: keeps PRAGMAs and in-memory
		// databases bound to the connection that set them up.
		db.SetMaxOpenConns(1)
		return db, nil
	}
	a.afterConnect = func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON")
		return err
	}
	return a
}

// sqliteNativeType keeps the semantic names as declared types; the engine
// accepts arbitrary type names and PRAGMA table_info echoes them back,
// which keeps introspection lossless.
func sqliteNativeType(t string) (string, bool) {
	switch t {
	case schema.TypeString:
		return "TEXT", true
	case schema.TypeInteger:
		return "INTEGER", true
	case schema.TypeFloat:
		return "REAL", true
	case schema.TypeBoolean:
		return "BOOLEAN", true
	case schema.TypeDate:
		return "DATE", true
	case schema.TypeDatetime:
		return "DATETIME", true
	}
	return "", false
}

func sqliteSemanticType(native string) string {
	t := strings.ToUpper(strings.TrimSpace(native))
	switch {
	case strings.HasPrefix(t, "INT"):
		return schema.TypeInteger
	case t == "REAL" || strings.HasPrefix(t, "FLOA") || strings.HasPrefix(t, "DOUB") || strings.HasPrefix(t, "NUMERIC") || strings.HasPrefix(t, "DECIMAL"):
		return schema.TypeFloat
	case strings.HasPrefix(t, "BOOL"):
		return schema.TypeBoolean
	case t == "DATETIME" || strings.HasPrefix(t, "TIMESTAMP"):
		return schema.TypeDatetime
	case t == "DATE":
		return schema.TypeDate
	default:
		return schema.TypeString
	}
}

func (a *sqliteAdapter) Upsert(ctx context.Context, table string, fields []string, values []any, conflict []string) (int64, error) {
	if a.db == nil {
		return 0, ErrNotConnected
	}
	if len(fields) == 0 || len(fields) != len(values) {
		return 0, fmt.Errorf("upsert %s: %d fields but %d values", table, len(fields), len(values))
	}
	cols := make([]string, len(fields))
	marks := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = a.d.quote(f)
		marks[i] = a.d.placeholder(i + 1)
	}
	// Insert-or-replace; the conflict columns are implied by the table's
	// primary key and unique constraints.
	stmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		a.d.quote(table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	res, err := a.execer().ExecContext(ctx, stmt, values...)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", table, err)
	}
	return rowsAffected(res), nil
}

func (a *sqliteAdapter) ListTables(ctx context.Context) ([]string, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}
	rows, err := a.execer().QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (a *sqliteAdapter) TableExists(ctx context.Context, table string) (bool, error) {
	if a.db == nil {
		return false, ErrNotConnected
	}
	var n int
	err := a.execer().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("table exists %s: %w", table, err)
	}
	return n > 0, nil
}

func (a *sqliteAdapter) Introspect(ctx context.Context, table string) (schema.Table, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}
	rows, err := a.execer().QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", a.d.quote(table)))
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	cols := schema.Table{}
	for rows.Next() {
		var cid, notNull, pk int
		var name, ctype string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return nil, fmt.Errorf("introspect %s: %w", table, err)
		}
		col := schema.Column{
			Type:       sqliteSemanticType(ctype),
			PrimaryKey: pk > 0,
			Required:   notNull == 1,
		}
		if dflt.Valid {
			v := strings.Trim(dflt.String, "'")
			col.Default = &v
		}
		cols[name] = col
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := a.fillUnique(ctx, table, cols); err != nil {
		return nil, err
	}
	if err := a.fillForeignKeys(ctx, table, cols); err != nil {
		return nil, err
	}
	return cols, nil
}

// fillUnique marks columns backed by a single-column unique index created
// from a UNIQUE constraint (index origin "u").
func (a *sqliteAdapter) fillUnique(ctx context.Context, table string, cols schema.Table) error {
	idxRows, err := a.execer().QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", a.d.quote(table)))
	if err != nil {
		return nil // table without indexes
	}
	type idx struct {
		name   string
		unique bool
	}
	var idxs []idx
	for idxRows.Next() {
		var seq, uniq, partial int
		var name, origin string
		if err := idxRows.Scan(&seq, &name, &uniq, &origin, &partial); err != nil {
			idxRows.Close()
			return err
		}
		if uniq == 1 && origin == "u" {
			idxs = append(idxs, idx{name: name, unique: true})
		}
	}
	idxRows.Close()

	for _, ix := range idxs {
		infoRows, err := a.execer().QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", a.d.quote(ix.name)))
		if err != nil {
			return err
		}
		var members []string
		for infoRows.Next() {
			var seqno, cid int
			var name string
			if err := infoRows.Scan(&seqno, &cid, &name); err != nil {
				infoRows.Close()
				return err
			}
			members = append(members, name)
		}
		infoRows.Close()
		if len(members) == 1 {
			if col, ok := cols[members[0]]; ok {
				col.Unique = true
				cols[members[0]] = col
			}
		}
	}
	return nil
}

func (a *sqliteAdapter) fillForeignKeys(ctx context.Context, table string, cols schema.Table) error {
	fkRows, err := a.execer().QueryContext(ctx,
		fmt.Sprintf("SELECT \"table\", \"from\", \"to\" FROM pragma_foreign_key_list(%s)", "'"+strings.ReplaceAll(table, "'", "''")+"'"))
	if err != nil {
		return nil
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var target, from, to string
		if err := fkRows.Scan(&target, &from, &to); err != nil {
			return err
		}
		if col, ok := cols[from]; ok {
			col.ForeignKey = target + "." + to
			cols[from] = col
		}
	}
	return fkRows.Err()
}

// RecreateTable implements the shadow-table strategy: build the new
// shape under a temporary name, copy the columns both shapes share, drop
// the original and rename. Runs on the open transaction.
func (a *sqliteAdapter) RecreateTable(ctx context.Context, table string, cols schema.Table) error {
	if a.db == nil {
		return ErrNotConnected
	}
	existing, err := a.Introspect(ctx, table)
	if err != nil {
		return err
	}
	shadow := table + "__rebuild"
	ddl, err := a.createTableSQL(shadow, cols, false)
	if err != nil {
		return err
	}
	if _, err := a.execer().ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("recreate %s: create shadow: %w", table, err)
	}

	var shared []string
	for _, name := range orderedColumns(cols) {
		if _, ok := existing[name]; ok {
			shared = append(shared, a.d.quote(name))
		}
	}
	if len(shared) > 0 {
		copyStmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			a.d.quote(shadow), strings.Join(shared, ", "), strings.Join(shared, ", "), a.d.quote(table))
		if _, err := a.execer().ExecContext(ctx, copyStmt); err != nil {
			return fmt.Errorf("recreate %s: copy rows: %w", table, err)
		}
	}
	if _, err := a.execer().ExecContext(ctx, "DROP TABLE "+a.d.quote(table)); err != nil {
		return fmt.Errorf("recreate %s: drop original: %w", table, err)
	}
	if _, err := a.execer().ExecContext(ctx,
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", a.d.quote(shadow), a.d.quote(table))); err != nil {
		return fmt.Errorf("recreate %s: rename shadow: %w", table, err)
	}
	return nil
}
