package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"dbbridge/internal/backend"
	"dbbridge/internal/schema"
)

// SwitchReport summarizes an export/re-import between backends.
type SwitchReport struct {
	Tables       int
	RowsMigrated int64
}

// SwitchBackend moves data when the declared backend type no longer
// matches the live one. Column diffing never runs across backend types;
// instead every declared table is exported from the source as portable
// rows, created fresh on the target, and re-imported. The source is
// left untouched.
func SwitchBackend(ctx context.Context, source, target backend.Adapter, doc *schema.Document, logger *slog.Logger) (*SwitchReport, error) {
	if doc == nil {
		return nil, ErrNoTarget
	}
	if logger == nil {
		logger = slog.Default()
	}
	report := &SwitchReport{}

	names := doc.Snapshot().Tables()
	if err := target.Begin(ctx); err != nil {
		return nil, fmt.Errorf("switch backend: %w", err)
	}
	for _, name := range names {
		n, err := copyTable(ctx, source, target, name, doc.Tables[name])
		if err != nil {
			if rbErr := target.Rollback(ctx); rbErr != nil {
				logger.Error("rollback failed", "error", rbErr)
			}
			return nil, fmt.Errorf("switch backend: table %s: %w", name, err)
		}
		report.Tables++
		report.RowsMigrated += n
	}
	if err := target.Commit(ctx); err != nil {
		return nil, fmt.Errorf("switch backend: %w", err)
	}
	logger.Info("backend switch complete",
		"from", source.Type(), "to", target.Type(),
		"tables", report.Tables, "rows", report.RowsMigrated)
	return report, nil
}

func copyTable(ctx context.Context, source, target backend.Adapter, name string, cols schema.Table) (int64, error) {
	exists, err := source.TableExists(ctx, name)
	if err != nil {
		return 0, err
	}
	if err := target.CreateTable(ctx, name, cols); err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	rows, err := source.Select(ctx, name, backend.Query{})
	if err != nil {
		return 0, err
	}
	var copied int64
	for _, row := range rows {
		fields, values := rowFields(row, cols)
		if _, err := target.Insert(ctx, name, fields, values); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

// rowFields flattens a row into parallel slices, declared columns only,
// in a stable order.
func rowFields(row backend.Row, cols schema.Table) ([]string, []any) {
	names := make([]string, 0, len(row))
	for name := range row {
		if _, ok := cols[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	values := make([]any, 0, len(names))
	for _, name := range names {
		values = append(values, row[name])
	}
	return names, values
}
