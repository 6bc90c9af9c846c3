package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"dbbridge/internal/schema"
)

// csvAdapter is the tabular-file backend: one delimited file per logical
// table inside a directory. Files load into an in-memory columnar shape
// on connect and are rewritten on flush. Transactions are best effort:
// Begin stages a copy of every table, Commit flushes the staged state,
// Rollback discards it. Joins run as in-memory merges using the schema's
// foreign-key hints.
type csvAdapter struct {
	cfg    Config
	logger *slog.Logger
	dir    string

	connected bool
	tables    map[string]*memTable

	inTx   bool
	staged map[string]*memTable
}

// memTable is one loaded table: ordered column names, descriptors and
// string-encoded rows.
type memTable struct {
	columns []string
	defs    schema.Table
	rows    [][]string
}

func (t *memTable) clone() *memTable {
	c := &memTable{
		columns: append([]string(nil), t.columns...),
		defs:    schema.Table{},
		rows:    make([][]string, len(t.rows)),
	}
	for k, v := range t.defs {
		c.defs[k] = v
	}
	for i, r := range t.rows {
		c.rows[i] = append([]string(nil), r...)
	}
	return c
}

func (t *memTable) colIndex(name string) int {
	for i, c := range t.columns {
		if c == name {
			return i
		}
	}
	return -1
}

func newCSVAdapter(cfg Config, logger *slog.Logger) *csvAdapter {
	return &csvAdapter{cfg: cfg, logger: logger, dir: cfg.DSN}
}

func (a *csvAdapter) Type() string { return "csv" }

func (a *csvAdapter) Connect(context.Context) error {
	if a.connected {
		return nil
	}
	if a.dir == "" {
		return &ConnectError{Backend: "csv", Label: a.cfg.Label, Err: fmt.Errorf("no directory configured")}
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return &ConnectError{Backend: "csv", Label: a.cfg.Label, Err: err}
	}
	tables, err := loadCSVDir(a.dir)
	if err != nil {
		return &ConnectError{Backend: "csv", Label: a.cfg.Label, Err: err}
	}
	a.tables = tables
	a.connected = true
	a.logger.Debug("backend connected", "backend", "csv", "dir", a.dir, "tables", len(tables))
	return nil
}

func (a *csvAdapter) Close() error {
	if a.inTx {
		a.staged = nil
		a.inTx = false
	}
	a.tables = nil
	a.connected = false
	return nil
}

func (a *csvAdapter) Connected() bool { return a.connected }

// current returns the table set writes should land in.
func (a *csvAdapter) current() map[string]*memTable {
	if a.inTx {
		return a.staged
	}
	return a.tables
}

func (a *csvAdapter) table(name string) (*memTable, error) {
	t, ok := a.current()[name]
	if !ok {
		return nil, fmt.Errorf("csv: no such table %s", name)
	}
	return t, nil
}

func (a *csvAdapter) Begin(context.Context) error {
	if !a.connected {
		return ErrNotConnected
	}
	if a.inTx {
		return fmt.Errorf("csv: transaction already open")
	}
	a.staged = make(map[string]*memTable, len(a.tables))
	for name, t := range a.tables {
		a.staged[name] = t.clone()
	}
	a.inTx = true
	return nil
}

// Commit flushes the staged state to disk. A failed flush abandons the
// transaction: in-memory state stays at the pre-transaction snapshot and
// the next Begin starts clean, though files already rewritten keep their
// new content.
func (a *csvAdapter) Commit(context.Context) error {
	if !a.inTx {
		return fmt.Errorf("csv: no open transaction")
	}
	staged := a.staged
	a.staged = nil
	a.inTx = false

	// Remove files for tables dropped inside the transaction.
	for name := range a.tables {
		if _, ok := staged[name]; !ok {
			if err := os.Remove(a.tableFile(name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("csv commit: remove %s: %w", name, err)
			}
		}
	}
	for name, t := range staged {
		if err := writeCSVTable(a.tableFile(name), t); err != nil {
			return fmt.Errorf("csv commit: %w", err)
		}
	}
	a.tables = staged
	return nil
}

func (a *csvAdapter) Rollback(context.Context) error {
	if !a.inTx {
		return fmt.Errorf("csv: no open transaction")
	}
	a.staged = nil
	a.inTx = false
	return nil
}

// flush rewrites one table's file immediately when no transaction is
// buffering writes.
func (a *csvAdapter) flush(name string) error {
	if a.inTx {
		return nil
	}
	t, ok := a.tables[name]
	if !ok {
		err := os.Remove(a.tableFile(name))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("csv: remove %s: %w", name, err)
		}
		return nil
	}
	return writeCSVTable(a.tableFile(name), t)
}

func (a *csvAdapter) tableFile(name string) string {
	return filepath.Join(a.dir, name+".csv")
}

func (a *csvAdapter) Insert(ctx context.Context, table string, fields []string, values []any) (int64, error) {
	if !a.connected {
		return 0, ErrNotConnected
	}
	if len(fields) == 0 || len(fields) != len(values) {
		return 0, fmt.Errorf("insert %s: %d fields but %d values", table, len(fields), len(values))
	}
	t, err := a.table(table)
	if err != nil {
		return 0, err
	}
	row, err := buildRow(t, fields, values)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	t.rows = append(t.rows, row)
	if err := a.flush(table); err != nil {
		return 0, err
	}
	return 1, nil
}

func (a *csvAdapter) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	if !a.connected {
		return nil, ErrNotConnected
	}
	t, err := a.table(table)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(t.rows))
	for _, raw := range t.rows {
		rows = append(rows, t.decodeRow(raw, ""))
	}
	for _, j := range q.Joins {
		rows, err = a.mergeJoin(rows, table, j)
		if err != nil {
			return nil, err
		}
	}

	var out []Row
	for _, row := range rows {
		ok, err := matchRow(row, q.Where)
		if err != nil {
			return nil, fmt.Errorf("select %s: %w", table, err)
		}
		if ok {
			out = append(out, projectRow(row, q.Fields))
		}
	}
	sortRows(out, q.Order)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// mergeJoin joins the accumulated rows against another loaded table,
// falling back to the schema document's foreign-key hints when the join
// columns are not spelled out.
func (a *csvAdapter) mergeJoin(rows []Row, base string, j Join) ([]Row, error) {
	right, err := a.table(j.Table)
	if err != nil {
		return nil, err
	}
	leftCol, rightCol := j.LeftColumn, j.RightColumn
	if leftCol == "" || rightCol == "" {
		leftCol, rightCol = fkHint(a.cfg.Schema, base, j.Table)
		if leftCol == "" {
			// No columns given and no foreign-key hint to infer them from.
			return nil, fmt.Errorf("join %s: %w", j.Table, Unsupported("csv", OpJoin))
		}
	}
	// Index the right side by join key.
	index := make(map[string][]Row)
	for _, raw := range right.rows {
		decoded := right.decodeRow(raw, j.Table)
		key := encodeValue(decoded[j.Table+"."+rightCol])
		index[key] = append(index[key], decoded)
	}
	var out []Row
	for _, left := range rows {
		key := encodeValue(left[leftCol])
		for _, match := range index[key] {
			merged := make(Row, len(left)+len(match))
			for k, v := range left {
				merged[k] = v
			}
			for k, v := range match {
				merged[k] = v
			}
			out = append(out, merged)
		}
	}
	return out, nil
}

func (a *csvAdapter) Update(ctx context.Context, table string, fields []string, values []any, where []Condition) (int64, error) {
	if !a.connected {
		return 0, ErrNotConnected
	}
	if len(fields) == 0 || len(fields) != len(values) {
		return 0, fmt.Errorf("update %s: %d fields but %d values", table, len(fields), len(values))
	}
	t, err := a.table(table)
	if err != nil {
		return 0, err
	}
	var affected int64
	for i, raw := range t.rows {
		ok, err := matchRow(t.decodeRow(raw, ""), where)
		if err != nil {
			return 0, fmt.Errorf("update %s: %w", table, err)
		}
		if !ok {
			continue
		}
		for fi, f := range fields {
			ci := t.colIndex(f)
			if ci < 0 {
				return 0, fmt.Errorf("update %s: no such column %s", table, f)
			}
			t.rows[i][ci] = encodeValue(values[fi])
		}
		affected++
	}
	if affected > 0 {
		if err := a.flush(table); err != nil {
			return 0, err
		}
	}
	return affected, nil
}

func (a *csvAdapter) Delete(ctx context.Context, table string, where []Condition) (int64, error) {
	if !a.connected {
		return 0, ErrNotConnected
	}
	t, err := a.table(table)
	if err != nil {
		return 0, err
	}
	kept := t.rows[:0]
	var affected int64
	for _, raw := range t.rows {
		ok, err := matchRow(t.decodeRow(raw, ""), where)
		if err != nil {
			return 0, fmt.Errorf("delete %s: %w", table, err)
		}
		if ok {
			affected++
			continue
		}
		kept = append(kept, raw)
	}
	t.rows = kept
	if affected > 0 {
		if err := a.flush(table); err != nil {
			return 0, err
		}
	}
	return affected, nil
}

func (a *csvAdapter) Upsert(ctx context.Context, table string, fields []string, values []any, conflict []string) (int64, error) {
	if !a.connected {
		return 0, ErrNotConnected
	}
	if len(conflict) == 0 {
		return 0, fmt.Errorf("upsert %s: conflict fields are required", table)
	}
	t, err := a.table(table)
	if err != nil {
		return 0, err
	}
	target := make(map[string]string, len(conflict))
	for _, c := range conflict {
		found := false
		for i, f := range fields {
			if f == c {
				target[c] = encodeValue(values[i])
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("upsert %s: conflict field %s not in fields", table, c)
		}
	}
	for i, raw := range t.rows {
		match := true
		for c, want := range target {
			ci := t.colIndex(c)
			if ci < 0 || raw[ci] != want {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		for fi, f := range fields {
			ci := t.colIndex(f)
			if ci < 0 {
				return 0, fmt.Errorf("upsert %s: no such column %s", table, f)
			}
			t.rows[i][ci] = encodeValue(values[fi])
		}
		if err := a.flush(table); err != nil {
			return 0, err
		}
		return 1, nil
	}
	row, err := buildRow(t, fields, values)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", table, err)
	}
	t.rows = append(t.rows, row)
	if err := a.flush(table); err != nil {
		return 0, err
	}
	return 1, nil
}

func (a *csvAdapter) ListTables(context.Context) ([]string, error) {
	if !a.connected {
		return nil, ErrNotConnected
	}
	names := make([]string, 0, len(a.current()))
	for n := range a.current() {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (a *csvAdapter) TableExists(_ context.Context, table string) (bool, error) {
	if !a.connected {
		return false, ErrNotConnected
	}
	_, ok := a.current()[table]
	return ok, nil
}

func (a *csvAdapter) CreateTable(_ context.Context, table string, cols schema.Table) error {
	if !a.connected {
		return ErrNotConnected
	}
	if _, exists := a.current()[table]; exists {
		return fmt.Errorf("csv: table %s already exists", table)
	}
	for name, def := range cols {
		if !schema.KnownType(def.Type) {
			return fmt.Errorf("column %s: type %q has no mapping for backend csv", name, def.Type)
		}
	}
	t := &memTable{columns: orderedColumns(cols), defs: schema.Table{}}
	for name, def := range cols {
		t.defs[name] = def
	}
	a.current()[table] = t
	return a.flush(table)
}

func (a *csvAdapter) DropTable(_ context.Context, table string, ifExists bool) error {
	if !a.connected {
		return ErrNotConnected
	}
	if _, ok := a.current()[table]; !ok {
		if ifExists {
			return nil
		}
		return fmt.Errorf("csv: no such table %s", table)
	}
	delete(a.current(), table)
	return a.flush(table)
}

func (a *csvAdapter) AlterTable(_ context.Context, table string, changes []Change) error {
	if !a.connected {
		return ErrNotConnected
	}
	t, err := a.table(table)
	if err != nil {
		return err
	}
	for _, ch := range changes {
		switch ch.Kind {
		case AddColumn:
			if !schema.KnownType(ch.Def.Type) {
				return fmt.Errorf("column %s: type %q has no mapping for backend csv", ch.Column, ch.Def.Type)
			}
			if t.colIndex(ch.Column) >= 0 {
				return fmt.Errorf("alter %s: column %s already exists", table, ch.Column)
			}
			t.columns = append(t.columns, ch.Column)
			t.defs[ch.Column] = ch.Def
			fill := ""
			if ch.Def.Default != nil {
				fill = *ch.Def.Default
			}
			for i := range t.rows {
				t.rows[i] = append(t.rows[i], fill)
			}
		case ModifyColumn:
			if !schema.KnownType(ch.Def.Type) {
				return fmt.Errorf("column %s: type %q has no mapping for backend csv", ch.Column, ch.Def.Type)
			}
			ci := t.colIndex(ch.Column)
			if ci < 0 {
				return fmt.Errorf("alter %s: no such column %s", table, ch.Column)
			}
			old := t.defs[ch.Column]
			t.defs[ch.Column] = ch.Def
			if old.Type != ch.Def.Type {
				for i := range t.rows {
					t.rows[i][ci] = coerceCell(t.rows[i][ci], ch.Def.Type)
				}
			}
		case DropColumn:
			ci := t.colIndex(ch.Column)
			if ci < 0 {
				return fmt.Errorf("alter %s: no such column %s", table, ch.Column)
			}
			t.columns = append(t.columns[:ci], t.columns[ci+1:]...)
			delete(t.defs, ch.Column)
			for i := range t.rows {
				t.rows[i] = append(t.rows[i][:ci], t.rows[i][ci+1:]...)
			}
		default:
			return fmt.Errorf("alter %s: unknown change kind %q", table, ch.Kind)
		}
	}
	return a.flush(table)
}

func (a *csvAdapter) Introspect(_ context.Context, table string) (schema.Table, error) {
	if !a.connected {
		return nil, ErrNotConnected
	}
	t, err := a.table(table)
	if err != nil {
		return nil, err
	}
	out := schema.Table{}
	for name, def := range t.defs {
		out[name] = def
	}
	return out, nil
}
