package migrate

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"dbbridge/internal/diff"
	"dbbridge/internal/schema"
)

// Preview renders the diff as a plan table. Destructive rows carry a
// marker so the confirmation prompt can surface them.
func Preview(d diff.Result) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Action", "Table", "Column", "Change", "Destructive"})

	for _, name := range d.TablesAdded {
		t.AppendRow(table.Row{"CREATE TABLE", name, "", "", ""})
	}
	for _, name := range d.ModifiedTables() {
		td := d.TablesModified[name]
		for _, col := range td.ColumnsAdded {
			t.AppendRow(table.Row{"ADD COLUMN", name, col, "", ""})
		}
		for _, ch := range td.ColumnsModified {
			t.AppendRow(table.Row{"MODIFY COLUMN", name, ch.Name,
				fmt.Sprintf("%s -> %s", columnSummary(ch.From), columnSummary(ch.To)),
				destructiveMark(ch.Destructive)})
		}
		for _, col := range td.ColumnsDropped {
			t.AppendRow(table.Row{"DROP COLUMN", name, col, "", destructiveMark(true)})
		}
	}
	for _, name := range d.TablesDropped {
		t.AppendRow(table.Row{"DROP TABLE", name, "", "", destructiveMark(true)})
	}

	var b strings.Builder
	b.WriteString(t.Render())
	if d.HasDestructiveChanges() {
		b.WriteString("\nWARNING: plan contains destructive changes that may lose data")
	}
	return b.String()
}

func destructiveMark(destructive bool) string {
	if destructive {
		return "YES"
	}
	return ""
}

func columnSummary(c schema.Column) string {
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
