package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"dbbridge/internal/schema"
)

// mysqlAdapter is the second networked relational flavor. Upsert uses
// ON DUPLICATE KEY UPDATE; everything else matches the postgres adapter
// modulo dialect.
type mysqlAdapter struct {
	sqlAdapter
}

var mysqlDialect = sqlDialect{
	name:           "mysql",
	placeholder:    placeholderQuestion,
	quote:          quoteBacktick,
	nativeType:     mysqlNativeType,
	alterColumnSQL: mysqlAlterColumn,
}

func newMySQLAdapter(cfg Config, logger *slog.Logger) *mysqlAdapter {
	a := &mysqlAdapter{}
	a.cfg = cfg
	a.logger = logger
	a.d = &mysqlDialect
	a.open = func() (*sql.DB, error) {
		// Validate DSN early to provide actionable errors.
		if _, err := mysql.ParseDSN(cfg.DSN); err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		db, err := sql.Open("mysql", cfg.DSN)
		if err != nil {
			return nil, err
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetMaxOpenConns(1)
		return db, nil
	}
	return a
}

func mysqlNativeType(t string) (string, bool) {
	switch t {
	case schema.TypeString:
		return "varchar(255)", true
	case schema.TypeInteger:
		return "bigint", true
	case schema.TypeFloat:
		return "double", true
	case schema.TypeBoolean:
		return "tinyint(1)", true
	case schema.TypeDate:
		return "date", true
	case schema.TypeDatetime:
		return "datetime", true
	}
	return "", false
}

func mysqlSemanticType(native string) string {
	t := strings.ToLower(strings.TrimSpace(native))
	switch {
	case t == "tinyint(1)":
		return schema.TypeBoolean
	case strings.HasPrefix(t, "bigint"), strings.HasPrefix(t, "int"), strings.HasPrefix(t, "smallint"), strings.HasPrefix(t, "mediumint"), strings.HasPrefix(t, "tinyint"):
		return schema.TypeInteger
	case strings.HasPrefix(t, "double"), strings.HasPrefix(t, "float"), strings.HasPrefix(t, "decimal"):
		return schema.TypeFloat
	case t == "date":
		return schema.TypeDate
	case strings.HasPrefix(t, "datetime"), strings.HasPrefix(t, "timestamp"):
		return schema.TypeDatetime
	default:
		return schema.TypeString
	}
}

func mysqlAlterColumn(d *sqlDialect, table string, ch Change) ([]string, error) {
	native, ok := d.nativeType(ch.Def.Type)
	if !ok {
		return nil, fmt.Errorf("column %s: type %q has no mapping for backend %s", ch.Column, ch.Def.Type, d.name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ALTER TABLE %s MODIFY COLUMN %s %s", d.quote(table), d.quote(ch.Column), native)
	if ch.Def.Required || ch.Def.PrimaryKey {
		b.WriteString(" NOT NULL")
	} else {
		b.WriteString(" NULL")
	}
	if ch.Def.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(defaultLiteral(ch.Def.Type, *ch.Def.Default))
	}
	return []string{b.String()}, nil
}

func (a *mysqlAdapter) Upsert(ctx context.Context, table string, fields []string, values []any, conflict []string) (int64, error) {
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
	conflictSet := make(map[string]bool, len(conflict))
	for _, c := range conflict {
		conflictSet[c] = true
	}
	var updates []string
	for _, f := range fields {
		if conflictSet[f] {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", a.d.quote(f), a.d.quote(f)))
	}
	if len(updates) == 0 {
		updates = append(updates, fmt.Sprintf("%s = %s", cols[0], cols[0]))
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		a.d.quote(table), strings.Join(cols, ", "), strings.Join(marks, ", "), strings.Join(updates, ", "))
	res, err := a.execer().ExecContext(ctx, stmt, values...)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", table, err)
	}
	return rowsAffected(res), nil
}

func (a *mysqlAdapter) ListTables(ctx context.Context) ([]string, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}
	rows, err := a.execer().QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema=DATABASE() AND table_type='BASE TABLE'
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

func (a *mysqlAdapter) TableExists(ctx context.Context, table string) (bool, error) {
	if a.db == nil {
		return false, ErrNotConnected
	}
	var n int
	err := a.execer().QueryRowContext(ctx, `
SELECT COUNT(*)
FROM information_schema.tables
WHERE table_schema=DATABASE() AND table_name=?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("table exists %s: %w", table, err)
	}
	return n > 0, nil
}

func (a *mysqlAdapter) Introspect(ctx context.Context, table string) (schema.Table, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}
	cols := schema.Table{}
	rows, err := a.execer().QueryContext(ctx, `
SELECT column_name, column_type, is_nullable, column_default, column_key
FROM information_schema.columns
WHERE table_schema=DATABASE() AND table_name=?`, table)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	for rows.Next() {
		var name, columnType, nullable, key string
		var dflt sql.NullString
		if err := rows.Scan(&name, &columnType, &nullable, &dflt, &key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("introspect %s: %w", table, err)
		}
		col := schema.Column{
			Type:       mysqlSemanticType(columnType),
			Required:   strings.EqualFold(nullable, "NO"),
			PrimaryKey: key == "PRI",
			Unique:     key == "UNI",
		}
		if dflt.Valid {
			v := dflt.String
			col.Default = &v
		}
		cols[name] = col
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := a.fillForeignKeys(ctx, table, cols); err != nil {
		return nil, err
	}
	return cols, nil
}

func (a *mysqlAdapter) fillForeignKeys(ctx context.Context, table string, cols schema.Table) error {
	rows, err := a.execer().QueryContext(ctx, `
SELECT column_name, referenced_table_name, referenced_column_name
FROM information_schema.key_column_usage
WHERE table_schema=DATABASE() AND table_name=? AND referenced_table_name IS NOT NULL`, table)
	if err != nil {
		return fmt.Errorf("introspect foreign keys %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var column, fkTable, fkColumn string
		if err := rows.Scan(&column, &fkTable, &fkColumn); err != nil {
			return err
		}
		if col, ok := cols[column]; ok {
			col.ForeignKey = fkTable + "." + fkColumn
			cols[column] = col
		}
	}
	return rows.Err()
}

func (a *mysqlAdapter) Grant(ctx context.Context, privilege, table, role string) error {
	return a.execDCL(ctx, "GRANT", privilege, table, role)
}

func (a *mysqlAdapter) Revoke(ctx context.Context, privilege, table, role string) error {
	return a.execDCL(ctx, "REVOKE", privilege, table, role)
}

func (a *mysqlAdapter) execDCL(ctx context.Context, verb, privilege, table, role string) error {
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

func (a *mysqlAdapter) ListPrivileges(ctx context.Context, table string) ([]Privilege, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}
	rows, err := a.execer().QueryContext(ctx, `
SELECT grantee, table_name, privilege_type
FROM information_schema.table_privileges
WHERE table_schema=DATABASE() AND table_name=?
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
