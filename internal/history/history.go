// Package history persists the append-only audit log of applied
// migrations. Transactional backends share one global history table;
// the tabular-file backend keeps one history file per logical table so
// each table stays auditable on its own.
package history

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"dbbridge/internal/backend"
)

// TableName is the shared history table on transactional backends.
const TableName = "dbbridge_migrations"

// Record is one applied (or explicitly failed) migration. Records are
// created once and never mutated.
type Record struct {
	ID               string
	FromVersion      string
	ToVersion        string
	AppliedAt        time.Time
	AppliedBy        string
	DurationMS       int64
	SchemaHash       string
	ChangesSummary   string
	ChangesDetail    string
	Status           string // success or failed
	ErrorMessage     string
	RollbackPossible bool
	RowsAffected     int64
	ColumnsAdded     int
	ColumnsDropped   int
	ColumnsModified  int
	IsBreaking       bool
}

// NewRecord stamps identity and time onto a record skeleton.
func NewRecord() Record {
	return Record{ID: uuid.NewString(), AppliedAt: time.Now().UTC()}
}

// Tracker appends migration records using a backend-appropriate storage
// strategy. tables lists the logical tables the migration touched; the
// shared-table strategy ignores it and keeps one global timeline.
type Tracker interface {
	Append(ctx context.Context, tables []string, rec Record) error
	List(ctx context.Context, limit int) ([]Record, error)
}

// ForBackend selects the strategy: per-table files for the csv backend,
// the shared table everywhere else.
func ForBackend(ad backend.Adapter, cfg backend.Config, logger *slog.Logger) Tracker {
	if strings.EqualFold(cfg.Type, "csv") {
		return &fileTracker{dir: cfg.DSN, logger: logger}
	}
	return &tableTracker{ad: ad, logger: logger}
}

// IsHistoryTable reports whether a live table name belongs to the
// tracker rather than to the user's schema.
func IsHistoryTable(name string) bool {
	return name == TableName
}
