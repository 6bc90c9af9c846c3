package history

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// fileTracker keeps one "<table>.history.csv" per logical table inside
// the backend's data directory, created lazily on the first migration
// that touches the table.
type fileTracker struct {
	dir    string
	logger *slog.Logger
}

var fileHeader = []string{
	"id", "from_version", "to_version", "applied_at", "applied_by",
	"duration_ms", "schema_hash", "changes_summary", "changes_detail",
	"status", "error_message", "rollback_possible", "rows_affected",
	"columns_added", "columns_dropped", "columns_modified", "is_breaking",
}

func (t *fileTracker) historyFile(table string) string {
	return filepath.Join(t.dir, table+".history.csv")
}

func (t *fileTracker) Append(_ context.Context, tables []string, rec Record) error {
	if len(tables) == 0 {
		return nil
	}
	line := []string{
		rec.ID, rec.FromVersion, rec.ToVersion, rec.AppliedAt.Format(time.RFC3339), rec.AppliedBy,
		strconv.FormatInt(rec.DurationMS, 10), rec.SchemaHash, rec.ChangesSummary, rec.ChangesDetail,
		rec.Status, rec.ErrorMessage, strconv.FormatBool(rec.RollbackPossible),
		strconv.FormatInt(rec.RowsAffected, 10),
		strconv.Itoa(rec.ColumnsAdded), strconv.Itoa(rec.ColumnsDropped), strconv.Itoa(rec.ColumnsModified),
		strconv.FormatBool(rec.IsBreaking),
	}
	for _, table := range tables {
		if err := t.appendLine(table, line); err != nil {
			return fmt.Errorf("history: %s: %w", table, err)
		}
	}
	return nil
}

func (t *fileTracker) appendLine(table string, line []string) error {
	path := t.historyFile(table)
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if os.IsNotExist(statErr) {
		if err := w.Write(fileHeader); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Write(line); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// List aggregates every table's history into one timeline, newest first.
// Records written for several tables at once appear once per table; that
// is the point of the per-table strategy.
func (t *fileTracker) List(_ context.Context, limit int) ([]Record, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: %w", err)
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".history.csv") {
			continue
		}
		recs, err := t.readFile(filepath.Join(t.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("history: %s: %w", e.Name(), err)
		}
		out = append(out, recs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AppliedAt.After(out[j].AppliedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *fileTracker) readFile(path string) ([]Record, error) {
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
	var out []Record
	for i, rec := range records {
		if i == 0 || len(rec) < len(fileHeader) {
			continue
		}
		parsed := Record{
			ID:             rec[0],
			FromVersion:    rec[1],
			ToVersion:      rec[2],
			AppliedBy:      rec[4],
			SchemaHash:     rec[6],
			ChangesSummary: rec[7],
			ChangesDetail:  rec[8],
			Status:         rec[9],
			ErrorMessage:   rec[10],
		}
		parsed.AppliedAt, _ = time.Parse(time.RFC3339, rec[3])
		parsed.DurationMS, _ = strconv.ParseInt(rec[5], 10, 64)
		parsed.RollbackPossible, _ = strconv.ParseBool(rec[11])
		parsed.RowsAffected, _ = strconv.ParseInt(rec[12], 10, 64)
		parsed.ColumnsAdded, _ = strconv.Atoi(rec[13])
		parsed.ColumnsDropped, _ = strconv.Atoi(rec[14])
		parsed.ColumnsModified, _ = strconv.Atoi(rec[15])
		parsed.IsBreaking, _ = strconv.ParseBool(rec[16])
		out = append(out, parsed)
	}
	return out, nil
}
