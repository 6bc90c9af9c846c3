package history

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"dbbridge/internal/backend"
	"dbbridge/internal/schema"
)

// historyColumns is the shared table's shape, declared with the same
// descriptors user tables use so the adapter generates the DDL.
var historyColumns = schema.Table{
	"id":                {Type: schema.TypeString, PrimaryKey: true},
	"from_version":      {Type: schema.TypeString},
	"to_version":        {Type: schema.TypeString},
	"applied_at":        {Type: schema.TypeDatetime, Required: true},
	"applied_by":        {Type: schema.TypeString},
	"duration_ms":       {Type: schema.TypeInteger},
	"schema_hash":       {Type: schema.TypeString},
	"changes_summary":   {Type: schema.TypeString},
	"changes_detail":    {Type: schema.TypeString},
	"status":            {Type: schema.TypeString, Required: true},
	"error_message":     {Type: schema.TypeString},
	"rollback_possible": {Type: schema.TypeBoolean},
	"rows_affected":     {Type: schema.TypeInteger},
	"columns_added":     {Type: schema.TypeInteger},
	"columns_dropped":   {Type: schema.TypeInteger},
	"columns_modified":  {Type: schema.TypeInteger},
	"is_breaking":       {Type: schema.TypeBoolean},
}

// tableTracker appends to one shared table through the adapter's own
// CRUD surface, creating the table on first use.
type tableTracker struct {
	ad      backend.Adapter
	logger  *slog.Logger
	ensured bool
}

func (t *tableTracker) ensure(ctx context.Context) error {
	if t.ensured {
		return nil
	}
	exists, err := t.ad.TableExists(ctx, TableName)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if !exists {
		if err := t.ad.CreateTable(ctx, TableName, historyColumns); err != nil {
			return fmt.Errorf("history: create table: %w", err)
		}
	}
	t.ensured = true
	return nil
}

func (t *tableTracker) Append(ctx context.Context, _ []string, rec Record) error {
	if err := t.ensure(ctx); err != nil {
		return err
	}
	fields, values := recordFields(rec)
	if _, err := t.ad.Insert(ctx, TableName, fields, values); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func (t *tableTracker) List(ctx context.Context, limit int) ([]Record, error) {
	if err := t.ensure(ctx); err != nil {
		return nil, err
	}
	rows, err := t.ad.Select(ctx, TableName, backend.Query{
		Order: []backend.OrderBy{{Column: "applied_at", Desc: true}},
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, recordFromRow(row))
	}
	return out, nil
}

func recordFields(rec Record) ([]string, []any) {
	fields := []string{
		"id", "from_version", "to_version", "applied_at", "applied_by",
		"duration_ms", "schema_hash", "changes_summary", "changes_detail",
		"status", "error_message", "rollback_possible", "rows_affected",
		"columns_added", "columns_dropped", "columns_modified", "is_breaking",
	}
	values := []any{
		rec.ID, rec.FromVersion, rec.ToVersion, rec.AppliedAt.Format(time.RFC3339), rec.AppliedBy,
		rec.DurationMS, rec.SchemaHash, rec.ChangesSummary, rec.ChangesDetail,
		rec.Status, rec.ErrorMessage, rec.RollbackPossible, rec.RowsAffected,
		int64(rec.ColumnsAdded), int64(rec.ColumnsDropped), int64(rec.ColumnsModified), rec.IsBreaking,
	}
	return fields, values
}

func recordFromRow(row backend.Row) Record {
	rec := Record{
		ID:               asString(row["id"]),
		FromVersion:      asString(row["from_version"]),
		ToVersion:        asString(row["to_version"]),
		AppliedBy:        asString(row["applied_by"]),
		DurationMS:       asInt(row["duration_ms"]),
		SchemaHash:       asString(row["schema_hash"]),
		ChangesSummary:   asString(row["changes_summary"]),
		ChangesDetail:    asString(row["changes_detail"]),
		Status:           asString(row["status"]),
		ErrorMessage:     asString(row["error_message"]),
		RollbackPossible: asBool(row["rollback_possible"]),
		RowsAffected:     asInt(row["rows_affected"]),
		ColumnsAdded:     int(asInt(row["columns_added"])),
		ColumnsDropped:   int(asInt(row["columns_dropped"])),
		ColumnsModified:  int(asInt(row["columns_modified"])),
		IsBreaking:       asBool(row["is_breaking"]),
	}
	if ts, err := time.Parse(time.RFC3339, asString(row["applied_at"])); err == nil {
		rec.AppliedAt = ts
	} else if t, ok := row["applied_at"].(time.Time); ok {
		rec.AppliedAt = t
	}
	return rec
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	default:
		return false
	}
}
