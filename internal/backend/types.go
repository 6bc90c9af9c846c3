package backend

import "dbbridge/internal/schema"

// Row is one result row keyed by column name. Joined selects qualify
// ambiguous columns as "table.column".
type Row map[string]any

// Condition is one already-tokenized WHERE term. Terms are ANDed; the
// engine deliberately has no expression parser.
type Condition struct {
	Column string
	Op     string // =, !=, <, <=, >, >=, LIKE
	Value  any
}

// Join describes an equi-join against another table. When the columns are
// empty the adapter falls back to the schema's foreign-key hints.
type Join struct {
	Table       string
	LeftColumn  string
	RightColumn string
}

// OrderBy orders a select by one column.
type OrderBy struct {
	Column string
	Desc   bool
}

// Query collects the optional parts of a select.
type Query struct {
	Fields []string
	Where  []Condition
	Joins  []Join
	Order  []OrderBy
	Limit  int
}

// ChangeKind discriminates AlterTable changes.
type ChangeKind string

const (
	AddColumn    ChangeKind = "add_column"
	ModifyColumn ChangeKind = "modify_column"
	DropColumn   ChangeKind = "drop_column"
)

// Change is one column-level alteration. Def is zero for drops.
type Change struct {
	Kind   ChangeKind
	Column string
	Def    schema.Column
}
