package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"dbbridge/internal/schema"
)

// postgresAdapter is the networked relational backend. Real transactions,
// ON CONFLICT upserts, and the only backend (with mysql) that supports
// DCL.
type postgresAdapter struct {
	sqlAdapter
}

var postgresDialect = sqlDialect{
	name:           "postgres",
	placeholder:    placeholderDollar,
	quote:          quoteDouble,
	nativeType:     postgresNativeType,
	alterColumnSQL: postgresAlterColumn,
}

func newPostgresAdapter(cfg Config, logger *slog.Logger) *postgresAdapter {
	a := &postgresAdapter{}
	a.cfg = cfg
	a.logger = logger
	a.d = &postgresDialect
	a.open = func() (*sql.DB, error) {
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, err
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetMaxOpenConns(1)
		return db, nil
	}
	return a
}

func postgresNativeType(t string) (string, bool) {
	switch t {
	case schema.TypeString:
		return "text", true
	case schema.TypeInteger:
		return "bigint", true
	case schema.TypeFloat:
		return "double precision", true
	case schema.TypeBoolean:
		return "boolean", true
	case schema.TypeDate:
		return "date", true
	case schema.TypeDatetime:
		return "timestamptz", true
	}
	return "", false
}

func postgresSemanticType(native string) string {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "bigint", "integer", "smallint":
		return schema.TypeInteger
	case "double precision", "real", "numeric":
		return schema.TypeFloat
	case "boolean":
		return schema.TypeBoolean
	case "date":
		return schema.TypeDate
	case "timestamp with time zone", "timestamp without time zone", "timestamptz", "timestamp":
		return schema.TypeDatetime
	default:
		return schema.TypeString
	}
}

func postgresAlterColumn(d *sqlDialect, table string, ch Change) ([]string, error) {
	native, ok := d.nativeType(ch.Def.Type)
	if !ok {
		return nil, fmt.Errorf("column %s: type %q has no mapping for backend %s", ch.Column, ch.Def.Type, d.name)
	}
	t := d.quote(table)
	c := d.quote(ch.Column)
	stmts := []string{
		fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s", t, c, native, c, native),
	}
	if ch.Def.Required || ch.Def.PrimaryKey {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL", t, c))
	} else {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL", t, c))
	}
	if ch.Def.Default != nil {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s",
			t, c, defaultLiteral(ch.Def.Type, *ch.Def.Default)))
	} else {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT", t, c))
	}
	return stmts, nil
}

func (a *postgresAdapter) Upsert(ctx context.Context, table string, fields []string, values []any, conflict []string) (int64, error) {
	if a.db == nil {
		return 0, ErrNotConnected
	}
	if len(fields) == 0 || len(fields) != len(values) {
		return 0, fmt.Errorf("upsert %s: %d fields but %d values", table, len(fields), len(values))
	}
	if len(conflict) == 0 {
		return 0, fmt.Errorf("upsert %s: conflict fields are required", table)
	}
	cols := make([]string, len(fields))
	marks := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = a.d.quote(f)
		marks[i] = a.d.placeholder(i + 1)
	}
	conflictSet := make(map[string]bool, len(conflict))
	conflictCols := make([]string, len(conflict))
	for i, c := range conflict {
		conflictSet[c] = true
		conflictCols[i] = a.d.quote(c)
	}
	var updates []string
	for _, f := range fields {
		if conflictSet[f] {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", a.d.quote(f), a.d.quote(f)))
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		a.d.quote(table), strings.Join(cols, ", "), strings.Join(marks, ", "), strings.Join(conflictCols, ", "))
	if len(updates) == 0 {
		stmt += "DO NOTHING"
	} else {
		stmt += "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	res, err := a.execer().ExecContext(ctx, stmt, values...)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", table, err)
	}
	return rowsAffected(res), nil
}

func (a *postgresAdapter) ListTables(ctx context.Context) ([]string, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}
	rows, err := a.execer().QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema='public' AND table_type='BASE TABLE'
ORDER BY table_name`)
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

func (a *postgresAdapter) TableExists(ctx context.Context, table string) (bool, error) {
	if a.db == nil {
		return false, ErrNotConnected
	}
	var n int
	err := a.execer().QueryRowContext(ctx, `
SELECT COUNT(*)
FROM information_schema.tables
WHERE table_schema='public' AND table_name=$1`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("table exists %s: %w", table, err)
	}
	return n > 0, nil
}

func (a *postgresAdapter) Introspect(ctx context.Context, table string) (schema.Table, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}
	cols := schema.Table{}
	rows, err := a.execer().QueryContext(ctx, `
SELECT column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema='public' AND table_name=$1`, table)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	for rows.Next() {
		var name, dataType, nullable string
		var dflt sql.NullString
		if err := rows.Scan(&name, &dataType, &nullable, &dflt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("introspect %s: %w", table, err)
		}
		col := schema.Column{
			Type:     postgresSemanticType(dataType),
			Required: strings.EqualFold(nullable, "NO"),
		}
		if dflt.Valid && !strings.HasPrefix(dflt.String, "nextval(") {
			v := normalizePgDefault(dflt.String)
			col.Default = &v
		}
		cols[name] = col
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := a.fillConstraints(ctx, table, cols); err != nil {
		return nil, err
	}
	return cols, nil
}

// fillConstraints resolves primary-key, unique and foreign-key markers
// from information_schema in a second pass over the column set.
func (a *postgresAdapter) fillConstraints(ctx context.Context, table string, cols schema.Table) error {
	rows, err := a.execer().QueryContext(ctx, `
SELECT tc.constraint_type, kcu.column_name,
       COALESCE(ccu.table_name, ''), COALESCE(ccu.column_name, '')
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
LEFT JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_name = ccu.constraint_name
 AND tc.constraint_type = 'FOREIGN KEY'
WHERE tc.table_schema='public' AND tc.table_name=$1`, table)
	if err != nil {
		return fmt.Errorf("introspect constraints %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var ctype, column, fkTable, fkColumn string
		if err := rows.Scan(&ctype, &column, &fkTable, &fkColumn); err != nil {
			return err
		}
		col, ok := cols[column]
		if !ok {
			continue
		}
		switch ctype {
		case "PRIMARY KEY":
			col.PrimaryKey = true
		case "UNIQUE":
			col.Unique = true
		case "FOREIGN KEY":
			if fkTable != "" && fkColumn != "" {
				col.ForeignKey = fkTable + "." + fkColumn
			}
		}
		cols[column] = col
	}
	return rows.Err()
}

func normalizePgDefault(v string) string {
	// 'abc'::text -> abc, true -> true
	if i := strings.Index(v, "::"); i >= 0 {
		v = v[:i]
	}
	return strings.Trim(strings.TrimSpace(v), "'")
}

// DCL support. Privileges are validated against a fixed set because
// GRANT/REVOKE cannot be parameterized.

var validPrivileges = map[string]bool{
	"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true, "ALL": true,
}

func (a *postgresAdapter) Grant(ctx context.Context, privilege, table, role string) error {
	return a.execDCL(ctx, "GRANT", privilege, table, role)
}

func (a *postgresAdapter) Revoke(ctx context.Context, privilege, table, role string) error {
	return a.execDCL(ctx, "REVOKE", privilege, table, role)
}

func (a *postgresAdapter) execDCL(ctx context.Context, verb, privilege, table, role string) error {
	if a.db == nil {
		return ErrNotConnected
	}
	priv := strings.ToUpper(strings.TrimSpace(privilege))
	if !validPrivileges[priv] {
		return fmt.Errorf("%s: invalid privilege %q", strings.ToLower(verb), privilege)
	}
	connector := "TO"
	if verb == "REVOKE" {
		connector = "FROM"
	}
	stmt := fmt.Sprintf("%s %s ON %s %s %s", verb, priv, a.d.quote(table), connector, a.d.quote(role))
	if _, err := a.execer().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%s on %s: %w", strings.ToLower(verb), table, err)
	}
	return nil
}

func (a *postgresAdapter) ListPrivileges(ctx context.Context, table string) ([]Privilege, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}
	rows, err := a.execer().QueryContext(ctx, `
SELECT grantee, table_name, privilege_type
FROM information_schema.role_table_grants
WHERE table_schema='public' AND table_name=$1
ORDER BY grantee, privilege_type`, table)
	if err != nil {
		return nil, fmt.Errorf("list privileges %s: %w", table, err)
	}
	defer rows.Close()
	var out []Privilege
	for rows.Next() {
		var p Privilege
		if err := rows.Scan(&p.Role, &p.Table, &p.Privilege); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
