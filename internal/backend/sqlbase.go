package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"dbbridge/internal/schema"
)

// sqlDialect carries the per-engine SQL differences. Everything else the
// relational adapters do is shared by sqlAdapter.
type sqlDialect struct {
	name        string
	placeholder func(n int) string
	quote       func(ident string) string
	// nativeType maps a semantic column type to engine DDL; unknown
	// semantic types must be rejected here, not coerced.
	nativeType func(t string) (string, bool)
	// alterColumnSQL renders a MODIFY change; add/drop are shared.
	alterColumnSQL func(d *sqlDialect, table string, ch Change) ([]string, error)
}

// sqlAdapter implements the shared CRUD/DDL/transaction surface on top of
// database/sql. Concrete adapters embed it and add dialect-specific
// introspection, table listing and upsert.
type sqlAdapter struct {
	cfg    Config
	logger *slog.Logger
	d      *sqlDialect

	open func() (*sql.DB, error)
	// afterConnect runs setup statements on the fresh connection
	// (the embedded backend turns foreign-key enforcement on here).
	afterConnect func(ctx context.Context, db *sql.DB) error

	db *sql.DB
	tx *sql.Tx
}

func (a *sqlAdapter) Type() string { return a.d.name }

func (a *sqlAdapter) Connect(ctx context.Context) error {
	if a.db != nil {
		return nil
	}
	db, err := a.open()
	if err != nil {
		return &ConnectError{Backend: a.d.name, Label: a.cfg.Label, Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &ConnectError{Backend: a.d.name, Label: a.cfg.Label, Err: err}
	}
	if a.afterConnect != nil {
		if err := a.afterConnect(ctx, db); err != nil {
			db.Close()
			return &ConnectError{Backend: a.d.name, Label: a.cfg.Label, Err: err}
		}
	}
	a.db = db
	a.logger.Debug("backend connected", "backend", a.d.name, "label", a.cfg.Label)
	return nil
}

func (a *sqlAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	if a.tx != nil {
		_ = a.tx.Rollback()
		a.tx = nil
	}
	err := a.db.Close()
	a.db = nil
	if err != nil {
		return &ConnectError{Backend: a.d.name, Label: a.cfg.Label, Err: err}
	}
	return nil
}

func (a *sqlAdapter) Connected() bool { return a.db != nil }

// execer returns the open transaction when one is active so every
// statement of a migration shares the same boundary.
func (a *sqlAdapter) execer() interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
} {
	if a.tx != nil {
		return a.tx
	}
	return a.db
}

func (a *sqlAdapter) Begin(ctx context.Context) error {
	if a.db == nil {
		return ErrNotConnected
	}
	if a.tx != nil {
		return fmt.Errorf("backend %s: transaction already open", a.d.name)
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	a.tx = tx
	return nil
}

func (a *sqlAdapter) Commit(context.Context) error {
	if a.tx == nil {
		return fmt.Errorf("backend %s: no open transaction", a.d.name)
	}
	err := a.tx.Commit()
	a.tx = nil
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (a *sqlAdapter) Rollback(context.Context) error {
	if a.tx == nil {
		return fmt.Errorf("backend %s: no open transaction", a.d.name)
	}
	err := a.tx.Rollback()
	a.tx = nil
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (a *sqlAdapter) Insert(ctx context.Context, table string, fields []string, values []any) (int64, error) {
	if a.db == nil {
		return 0, ErrNotConnected
	}
	if len(fields) == 0 || len(fields) != len(values) {
		return 0, fmt.Errorf("insert %s: %d fields but %d values", table, len(fields), len(values))
	}
	cols := make([]string, len(fields))
	marks := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = a.d.quote(f)
		marks[i] = a.d.placeholder(i + 1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		a.d.quote(table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	res, err := a.execer().ExecContext(ctx, stmt, values...)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	return rowsAffected(res), nil
}

func (a *sqlAdapter) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(q.Fields) == 0 {
		b.WriteString("*")
	} else {
		quoted := make([]string, len(q.Fields))
		for i, f := range q.Fields {
			quoted[i] = a.quoteQualified(f)
		}
		b.WriteString(strings.Join(quoted, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(a.d.quote(table))
	for _, j := range q.Joins {
		left, right, err := a.joinColumns(table, j)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, " JOIN %s ON %s = %s", a.d.quote(j.Table), left, right)
	}
	where, args, err := a.whereClause(q.Where, 1)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	b.WriteString(where)
	for i, o := range q.Order {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(a.quoteQualified(o.Column))
		if o.Desc {
			b.WriteString(" DESC")
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	rows, err := a.execer().QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (a *sqlAdapter) Update(ctx context.Context, table string, fields []string, values []any, where []Condition) (int64, error) {
	if a.db == nil {
		return 0, ErrNotConnected
	}
	if len(fields) == 0 || len(fields) != len(values) {
		return 0, fmt.Errorf("update %s: %d fields but %d values", table, len(fields), len(values))
	}
	sets := make([]string, len(fields))
	for i, f := range fields {
		sets[i] = fmt.Sprintf("%s = %s", a.d.quote(f), a.d.placeholder(i+1))
	}
	clause, args, err := a.whereClause(where, len(fields)+1)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s%s", a.d.quote(table), strings.Join(sets, ", "), clause)
	res, err := a.execer().ExecContext(ctx, stmt, append(values, args...)...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return rowsAffected(res), nil
}

func (a *sqlAdapter) Delete(ctx context.Context, table string, where []Condition) (int64, error) {
	if a.db == nil {
		return 0, ErrNotConnected
	}
	clause, args, err := a.whereClause(where, 1)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	stmt := fmt.Sprintf("DELETE FROM %s%s", a.d.quote(table), clause)
	res, err := a.execer().ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return rowsAffected(res), nil
}

func (a *sqlAdapter) CreateTable(ctx context.Context, table string, cols schema.Table) error {
	if a.db == nil {
		return ErrNotConnected
	}
	ddl, err := a.createTableSQL(table, cols, false)
	if err != nil {
		return err
	}
	if _, err := a.execer().ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

func (a *sqlAdapter) DropTable(ctx context.Context, table string, ifExists bool) error {
	if a.db == nil {
		return ErrNotConnected
	}
	stmt := "DROP TABLE "
	if ifExists {
		stmt += "IF EXISTS "
	}
	stmt += a.d.quote(table)
	if _, err := a.execer().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}

func (a *sqlAdapter) AlterTable(ctx context.Context, table string, changes []Change) error {
	if a.db == nil {
		return ErrNotConnected
	}
	for _, ch := range changes {
		stmts, err := a.alterSQL(table, ch)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if _, err := a.execer().ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("alter table %s: %w", table, err)
			}
		}
	}
	return nil
}

func (a *sqlAdapter) alterSQL(table string, ch Change) ([]string, error) {
	switch ch.Kind {
	case AddColumn:
		ddl, err := a.columnDDL(ch.Column, ch.Def)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", a.d.quote(table), ddl)}, nil
	case DropColumn:
		return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", a.d.quote(table), a.d.quote(ch.Column))}, nil
	case ModifyColumn:
		return a.d.alterColumnSQL(a.d, table, ch)
	default:
		return nil, fmt.Errorf("alter table %s: unknown change kind %q", table, ch.Kind)
	}
}

// createTableSQL renders the full CREATE TABLE statement. Column order is
// sorted for determinism; primary-key columns come first.
func (a *sqlAdapter) createTableSQL(table string, cols schema.Table, ifNotExists bool) (string, error) {
	defs := make([]string, 0, len(cols))
	for _, name := range orderedColumns(cols) {
		ddl, err := a.columnDDL(name, cols[name])
		if err != nil {
			return "", err
		}
		defs = append(defs, ddl)
	}
	create := "CREATE TABLE "
	if ifNotExists {
		create += "IF NOT EXISTS "
	}
	return fmt.Sprintf("%s%s (%s)", create, a.d.quote(table), strings.Join(defs, ", ")), nil
}

func (a *sqlAdapter) columnDDL(name string, def schema.Column) (string, error) {
	native, ok := a.d.nativeType(def.Type)
	if !ok {
		return "", fmt.Errorf("column %s: type %q has no mapping for backend %s", name, def.Type, a.d.name)
	}
	var b strings.Builder
	b.WriteString(a.d.quote(name))
	b.WriteString(" ")
	b.WriteString(native)
	if def.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	if def.Required && !def.PrimaryKey {
		b.WriteString(" NOT NULL")
	}
	if def.Unique && !def.PrimaryKey {
		b.WriteString(" UNIQUE")
	}
	if def.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(defaultLiteral(def.Type, *def.Default))
	}
	if fkTable, fkCol, ok := def.FKTarget(); ok {
		fmt.Fprintf(&b, " REFERENCES %s(%s)", a.d.quote(fkTable), a.d.quote(fkCol))
	}
	return b.String(), nil
}

func (a *sqlAdapter) whereClause(conds []Condition, firstPlaceholder int) (string, []any, error) {
	if len(conds) == 0 {
		return "", nil, nil
	}
	terms := make([]string, 0, len(conds))
	args := make([]any, 0, len(conds))
	n := firstPlaceholder
	for _, c := range conds {
		op, ok := normalizeOp(c.Op)
		if !ok {
			return "", nil, fmt.Errorf("unsupported operator %q", c.Op)
		}
		terms = append(terms, fmt.Sprintf("%s %s %s", a.quoteQualified(c.Column), op, a.d.placeholder(n)))
		args = append(args, c.Value)
		n++
	}
	return " WHERE " + strings.Join(terms, " AND "), args, nil
}

func (a *sqlAdapter) quoteQualified(col string) string {
	if t, c, ok := strings.Cut(col, "."); ok {
		return a.d.quote(t) + "." + a.d.quote(c)
	}
	return a.d.quote(col)
}

func (a *sqlAdapter) joinColumns(table string, j Join) (left, right string, err error) {
	l, r := j.LeftColumn, j.RightColumn
	if l == "" || r == "" {
		l, r = fkHint(a.cfg.Schema, table, j.Table)
		if l == "" {
			return "", "", fmt.Errorf("join %s: no columns given and no foreign-key hint in schema", j.Table)
		}
	}
	return a.d.quote(table) + "." + a.d.quote(l), a.d.quote(j.Table) + "." + a.d.quote(r), nil
}

// fkHint finds a declared foreign key from table into target and returns
// the local and referenced column names.
func fkHint(doc *schema.Document, table, target string) (local, remote string) {
	if doc == nil {
		return "", ""
	}
	for col, def := range doc.Tables[table] {
		if t, c, ok := def.FKTarget(); ok && t == target {
			return col, c
		}
	}
	// Also accept the reverse direction.
	for col, def := range doc.Tables[target] {
		if t, c, ok := def.FKTarget(); ok && t == table {
			return c, col
		}
	}
	return "", ""
}

func normalizeOp(op string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(op)) {
	case "", "=", "==":
		return "=", true
	case "!=", "<>":
		return "!=", true
	case "<", "<=", ">", ">=":
		return strings.TrimSpace(op), true
	case "LIKE":
		return "LIKE", true
	}
	return "", false
}

func defaultLiteral(semanticType, value string) string {
	switch semanticType {
	case schema.TypeInteger, schema.TypeFloat, schema.TypeBoolean:
		return value
	default:
		return "'" + strings.ReplaceAll(value, "'", "''") + "'"
	}
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[c] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// orderedColumns sorts primary-key columns first, then the rest by name.
func orderedColumns(cols schema.Table) []string {
	names := make([]string, 0, len(cols))
	for n := range cols {
		names = append(names, n)
	}
	sort.SliceStable(names, func(i, j int) bool {
		pi, pj := cols[names[i]].PrimaryKey, cols[names[j]].PrimaryKey
		if pi != pj {
			return pi
		}
		return names[i] < names[j]
	})
	return names
}

func placeholderQuestion(int) string { return "?" }

func placeholderDollar(n int) string { return "$" + strconv.Itoa(n) }

func quoteDouble(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteBacktick(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}
