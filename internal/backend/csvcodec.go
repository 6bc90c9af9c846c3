package backend

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"dbbridge/internal/schema"
)

// historyFileSuffix marks per-table migration history files, which are
// not logical tables and stay hidden from ListTables.
const historyFileSuffix = ".history.csv"

// Header cells carry the descriptor so introspection is lossless:
// "name:type[:pk][:required][:unique][:fk=table.column][:default=value]".
// A bare "name" header falls back to content-based type inference.

func loadCSVDir(dir string) (map[string]*memTable, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	tables := make(map[string]*memTable)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".csv") || strings.HasSuffix(name, historyFileSuffix) {
			continue
		}
		t, err := readCSVTable(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		tables[strings.TrimSuffix(name, ".csv")] = t
	}
	return tables, nil
}

func readCSVTable(path string) (*memTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	t := &memTable{defs: schema.Table{}}
	if len(records) == 0 {
		return t, nil
	}
	var untyped []string
	for _, cell := range records[0] {
		name, def, typed := parseHeaderCell(cell)
		t.columns = append(t.columns, name)
		t.defs[name] = def
		if !typed {
			untyped = append(untyped, name)
		}
	}
	for _, rec := range records[1:] {
		row := make([]string, len(t.columns))
		copy(row, rec)
		t.rows = append(t.rows, row)
	}
	// Infer types from contents for columns the header left bare.
	for _, name := range untyped {
		ci := t.colIndex(name)
		def := t.defs[name]
		def.Type = inferColumnType(t.rows, ci)
		t.defs[name] = def
	}
	return t, nil
}

func writeCSVTable(path string, t *memTable) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	header := make([]string, len(t.columns))
	for i, name := range t.columns {
		header[i] = formatHeaderCell(name, t.defs[name])
	}
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	for _, row := range t.rows {
		if err := w.Write(row); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func parseHeaderCell(cell string) (name string, def schema.Column, typed bool) {
	parts := strings.Split(cell, ":")
	name = parts[0]
	def = schema.Column{Type: schema.TypeString}
	if len(parts) < 2 {
		return name, def, false
	}
	def.Type = parts[1]
	if !schema.KnownType(def.Type) {
		def.Type = schema.TypeString
	}
	for _, flag := range parts[2:] {
		switch {
		case flag == "pk":
			def.PrimaryKey = true
		case flag == "required":
			def.Required = true
		case flag == "unique":
			def.Unique = true
		case strings.HasPrefix(flag, "fk="):
			def.ForeignKey = strings.TrimPrefix(flag, "fk=")
		case strings.HasPrefix(flag, "default="):
			v := strings.TrimPrefix(flag, "default=")
			def.Default = &v
		}
	}
	return name, def, true
}

func formatHeaderCell(name string, def schema.Column) string {
	parts := []string{name, def.Type}
	if def.PrimaryKey {
		parts = append(parts, "pk")
	}
	if def.Required {
		parts = append(parts, "required")
	}
	if def.Unique {
		parts = append(parts, "unique")
	}
	if def.ForeignKey != "" {
		parts = append(parts, "fk="+def.ForeignKey)
	}
	if def.Default != nil {
		parts = append(parts, "default="+*def.Default)
	}
	return strings.Join(parts, ":")
}

// inferColumnType scans a column's cells and picks the narrowest semantic
// type every non-empty cell satisfies.
func inferColumnType(rows [][]string, ci int) string {
	isInt, isFloat, isBool, isDate, isDatetime := true, true, true, true, true
	seen := false
	for _, row := range rows {
		if ci >= len(row) || row[ci] == "" {
			continue
		}
		seen = true
		v := row[ci]
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			isInt = false
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			isFloat = false
		}
		if _, err := strconv.ParseBool(v); err != nil {
			isBool = false
		}
		if _, err := time.Parse("2006-01-02", v); err != nil {
			isDate = false
		}
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			isDatetime = false
		}
	}
	switch {
	case !seen:
		return schema.TypeString
	case isBool:
		return schema.TypeBoolean
	case isInt:
		return schema.TypeInteger
	case isFloat:
		return schema.TypeFloat
	case isDate:
		return schema.TypeDate
	case isDatetime:
		return schema.TypeDatetime
	default:
		return schema.TypeString
	}
}

func buildRow(t *memTable, fields []string, values []any) ([]string, error) {
	row := make([]string, len(t.columns))
	for i, name := range t.columns {
		if def, ok := t.defs[name]; ok && def.Default != nil {
			row[i] = *def.Default
		}
	}
	for i, f := range fields {
		ci := t.colIndex(f)
		if ci < 0 {
			return nil, fmt.Errorf("no such column %s", f)
		}
		row[ci] = encodeValue(values[i])
	}
	return row, nil
}

// decodeRow converts the string cells to typed values. A non-empty
// prefix qualifies keys as "table.column" for join results.
func (t *memTable) decodeRow(raw []string, prefix string) Row {
	row := make(Row, len(t.columns))
	for i, name := range t.columns {
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		var cell string
		if i < len(raw) {
			cell = raw[i]
		}
		row[key] = decodeCell(cell, t.defs[name].Type)
	}
	return row
}

func decodeCell(cell, semanticType string) any {
	if cell == "" {
		return nil
	}
	switch semanticType {
	case schema.TypeInteger:
		if n, err := strconv.ParseInt(cell, 10, 64); err == nil {
			return n
		}
	case schema.TypeFloat:
		if f, err := strconv.ParseFloat(cell, 64); err == nil {
			return f
		}
	case schema.TypeBoolean:
		if b, err := strconv.ParseBool(cell); err == nil {
			return b
		}
	}
	return cell
}

func encodeValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// coerceCell rewrites a cell for a column type change; values that do not
// transform become empty (the csv equivalent of NULL).
func coerceCell(cell, newType string) string {
	if cell == "" {
		return ""
	}
	switch newType {
	case schema.TypeInteger:
		if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
			return cell
		}
		if f, err := strconv.ParseFloat(cell, 64); err == nil {
			return strconv.FormatInt(int64(f), 10)
		}
		return ""
	case schema.TypeFloat:
		if _, err := strconv.ParseFloat(cell, 64); err == nil {
			return cell
		}
		return ""
	case schema.TypeBoolean:
		if _, err := strconv.ParseBool(cell); err == nil {
			return cell
		}
		return ""
	default:
		return cell
	}
}

func matchRow(row Row, conds []Condition) (bool, error) {
	for _, c := range conds {
		op, ok := normalizeOp(c.Op)
		if !ok {
			return false, fmt.Errorf("unsupported operator %q", c.Op)
		}
		have, exists := row[c.Column]
		if !exists {
			return false, fmt.Errorf("no such column %s", c.Column)
		}
		if !compareValues(have, op, c.Value) {
			return false, nil
		}
	}
	return true, nil
}

func compareValues(have any, op string, want any) bool {
	if hf, wf, ok := bothNumeric(have, want); ok {
		switch op {
		case "=":
			return hf == wf
		case "!=":
			return hf != wf
		case "<":
			return hf < wf
		case "<=":
			return hf <= wf
		case ">":
			return hf > wf
		case ">=":
			return hf >= wf
		}
	}
	hs, ws := encodeValue(have), encodeValue(want)
	switch op {
	case "=":
		return hs == ws
	case "!=":
		return hs != ws
	case "<":
		return hs < ws
	case "<=":
		return hs <= ws
	case ">":
		return hs > ws
	case ">=":
		return hs >= ws
	case "LIKE":
		return matchLike(hs, ws)
	}
	return false
}

func bothNumeric(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// matchLike supports the usual % wildcard at either end; anything fancier
// belongs to a real SQL backend.
func matchLike(s, pattern string) bool {
	switch {
	case strings.HasPrefix(pattern, "%") && strings.HasSuffix(pattern, "%"):
		return strings.Contains(s, strings.Trim(pattern, "%"))
	case strings.HasPrefix(pattern, "%"):
		return strings.HasSuffix(s, strings.TrimPrefix(pattern, "%"))
	case strings.HasSuffix(pattern, "%"):
		return strings.HasPrefix(s, strings.TrimSuffix(pattern, "%"))
	default:
		return s == pattern
	}
}

func projectRow(row Row, fields []string) Row {
	if len(fields) == 0 {
		return row
	}
	out := make(Row, len(fields))
	for _, f := range fields {
		if v, ok := row[f]; ok {
			out[f] = v
		}
	}
	return out
}

func sortRows(rows []Row, order []OrderBy) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			a, b := rows[i][o.Column], rows[j][o.Column]
			if compareValues(a, "=", b) {
				continue
			}
			less := compareValues(a, "<", b)
			if o.Desc {
				return !less
			}
			return less
		}
		return false
	})
}
