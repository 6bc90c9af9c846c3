// Package diff compares two schema snapshots and classifies every change
// as additive or destructive. It is pure data-in, data-out: no I/O, no
// backend knowledge, and the result can be rendered or serialized before
// any execution decision is made.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"dbbridge/internal/schema"
)

// ColumnChange records a column present in both snapshots whose
// descriptor differs.
type ColumnChange struct {
	Name        string
	From        schema.Column
	To          schema.Column
	Destructive bool
}

// TableDiff captures per-table differences.
type TableDiff struct {
	ColumnsAdded    []string
	ColumnsDropped  []string
	ColumnsModified []ColumnChange
}

func (t TableDiff) empty() bool {
	return len(t.ColumnsAdded) == 0 && len(t.ColumnsDropped) == 0 && len(t.ColumnsModified) == 0
}

// Result is the structured difference between an actual and a target
// snapshot. Table and column drops are always destructive; additions
// never are; modifications are destructive unless additive-only.
type Result struct {
	TablesAdded    []string
	TablesDropped  []string
	TablesModified map[string]TableDiff
}

// Compare diffs the actual (live) snapshot against the target (declared)
// snapshot. Applying the result to the live backend makes it match target.
func Compare(actual, target schema.Snapshot) Result {
	res := Result{TablesModified: map[string]TableDiff{}}

	actualTables := actual.Tables()
	targetTables := target.Tables()
	res.TablesAdded = difference(targetTables, actualTables)
	res.TablesDropped = difference(actualTables, targetTables)

	for _, name := range actualTables {
		targetCols, ok := target[name]
		if !ok {
			continue
		}
		actualCols := actual[name]
		td := TableDiff{
			ColumnsAdded:   difference(sortedColumns(targetCols), sortedColumns(actualCols)),
			ColumnsDropped: difference(sortedColumns(actualCols), sortedColumns(targetCols)),
		}
		for _, col := range sortedColumns(actualCols) {
			to, ok := targetCols[col]
			if !ok {
				continue
			}
			from := actualCols[col]
			if from.Equal(to) {
				continue
			}
			td.ColumnsModified = append(td.ColumnsModified, ColumnChange{
				Name:        col,
				From:        from,
				To:          to,
				Destructive: destructiveModification(from, to),
			})
		}
		if !td.empty() {
			res.TablesModified[name] = td
		}
	}
	return res
}

// HasChanges reports whether the diff contains any difference at all.
func (r Result) HasChanges() bool {
	return len(r.TablesAdded) > 0 || len(r.TablesDropped) > 0 || len(r.TablesModified) > 0
}

// HasDestructiveChanges reports whether applying the diff can lose data.
func (r Result) HasDestructiveChanges() bool {
	if len(r.TablesDropped) > 0 {
		return true
	}
	for _, td := range r.TablesModified {
		if len(td.ColumnsDropped) > 0 {
			return true
		}
		for _, ch := range td.ColumnsModified {
			if ch.Destructive {
				return true
			}
		}
	}
	return false
}

// Counts returns the additive, dropped and modified change totals.
func (r Result) Counts() (added, dropped, modified int) {
	added = len(r.TablesAdded)
	dropped = len(r.TablesDropped)
	for _, td := range r.TablesModified {
		added += len(td.ColumnsAdded)
		dropped += len(td.ColumnsDropped)
		modified += len(td.ColumnsModified)
	}
	return added, dropped, modified
}

// ChangeCount is the total number of individual changes in the diff.
func (r Result) ChangeCount() int {
	added, dropped, modified := r.Counts()
	return added + dropped + modified
}

// ModifiedTables returns the modified table names, sorted.
func (r Result) ModifiedTables() []string {
	names := make([]string, 0, len(r.TablesModified))
	for name := range r.TablesModified {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// destructiveModification applies the tie-break rule: a modification is
// destructive unless every changed attribute is a pure relaxation (type
// widening, dropped requiredness/uniqueness, default changes).
func destructiveModification(from, to schema.Column) bool {
	if from.Type != to.Type && !widens(from.Type, to.Type) {
		return true
	}
	fromReq := from.Required || from.PrimaryKey
	toReq := to.Required || to.PrimaryKey
	if !fromReq && toReq && !to.HasDefault() {
		return true
	}
	fromUniq := from.Unique || from.PrimaryKey
	toUniq := to.Unique || to.PrimaryKey
	if !fromUniq && toUniq {
		return true
	}
	if from.PrimaryKey != to.PrimaryKey {
		return true
	}
	if from.ForeignKey == "" && to.ForeignKey != "" {
		return true
	}
	return false
}

// widens reports whether every value of type from fits in type to.
func widens(from, to string) bool {
	switch from {
	case schema.TypeInteger:
		return to == schema.TypeFloat || to == schema.TypeString
	case schema.TypeFloat:
		return to == schema.TypeString
	case schema.TypeBoolean:
		return to == schema.TypeString || to == schema.TypeInteger
	case schema.TypeDate:
		return to == schema.TypeDatetime || to == schema.TypeString
	case schema.TypeDatetime:
		return to == schema.TypeString
	default:
		return false
	}
}

// Describe returns a human-readable summary of the diff.
func Describe(r Result) string {
	if !r.HasChanges() {
		return "schemas match"
	}
	var lines []string
	if len(r.TablesAdded) > 0 {
		lines = append(lines, fmt.Sprintf("Tables to create: %s", strings.Join(r.TablesAdded, ", ")))
	}
	if len(r.TablesDropped) > 0 {
		lines = append(lines, fmt.Sprintf("Tables to drop: %s", strings.Join(r.TablesDropped, ", ")))
	}
	for _, name := range r.ModifiedTables() {
		td := r.TablesModified[name]
		if len(td.ColumnsAdded) > 0 {
			lines = append(lines, fmt.Sprintf("Table %s: add columns %s", name, strings.Join(td.ColumnsAdded, ", ")))
		}
		if len(td.ColumnsDropped) > 0 {
			lines = append(lines, fmt.Sprintf("Table %s: drop columns %s", name, strings.Join(td.ColumnsDropped, ", ")))
		}
		for _, ch := range td.ColumnsModified {
			tag := ""
			if ch.Destructive {
				tag = " [destructive]"
			}
			lines = append(lines, fmt.Sprintf("Table %s: modify column %s (%s -> %s)%s",
				name, ch.Name, describeColumn(ch.From), describeColumn(ch.To), tag))
		}
	}
	return strings.Join(lines, "\n")
}

func describeColumn(c schema.Column) string {
	parts := []string{c.Type}
	if c.PrimaryKey {
		parts = append(parts, "pk")
	}
	if c.Required {
		parts = append(parts, "required")
	}
	if c.Unique {
		parts = append(parts, "unique")
	}
	if c.Default != nil {
		parts = append(parts, "default="+*c.Default)
	}
	if c.ForeignKey != "" {
		parts = append(parts, "fk="+c.ForeignKey)
	}
	return strings.Join(parts, " ")
}

func sortedColumns(t schema.Table) []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func difference(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := set[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
