// Package migrate drives schema migrations: introspect the live backend,
// diff against the declared target, preview, confirm, then apply the DDL
// inside one transaction with rollback on any failure.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dbbridge/internal/backend"
	"dbbridge/internal/diff"
	"dbbridge/internal/history"
	"dbbridge/internal/schema"
)

// State is the executor's position in its lifecycle. Dry runs terminate
// at StatePreviewed; a declined confirmation ends at StateCancelled.
type State string

const (
	StateLoaded     State = "loaded"
	StateDiffed     State = "diffed"
	StatePreviewed  State = "previewed"
	StateCancelled  State = "cancelled"
	StateExecuting  State = "executing"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

// ErrNotEnabled blocks migrations on schemas without the opt-in flag.
var ErrNotEnabled = errors.New("migration not enabled for this schema")

// ErrNoTarget is returned when Run is called without a target schema.
var ErrNoTarget = errors.New("no target schema provided")

// ErrBackendChanged routes callers to the export/re-import path; column
// diffing never runs across two different backend types.
var ErrBackendChanged = errors.New("backend type change detected")

// FailedError wraps a DDL failure after rollback. Applied is the count
// of operations left in place, always zero under the atomicity contract.
type FailedError struct {
	Applied int
	Cause   error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("migration failed (%d operations applied after rollback): %v", e.Applied, e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }

// ConfirmFunc asks for approval before execution. The rendered preview
// and the destructiveness flag are supplied for display.
type ConfirmFunc func(preview string, destructive bool) (bool, error)

// RenderFunc displays the plan when execution proceeds without a
// confirmation prompt.
type RenderFunc func(preview string, destructive bool)

// Options tune one migration run.
type Options struct {
	DryRun      bool
	AutoApprove bool
	// Table restricts the run to one logical table when set.
	Table     string
	Version   string
	AppliedBy string
	Confirm   ConfirmFunc
	// Render shows the plan on the auto-approve path, where Confirm
	// never runs. When nil the plan goes to the logger instead.
	Render RenderFunc
}

// Result reports what one run did.
type Result struct {
	State      State
	Diff       diff.Result
	Preview    string
	Operations int
	NoOp       bool
	Record     *history.Record
}

// Executor applies migrations through one adapter, recording each run
// in the history tracker.
type Executor struct {
	ad      backend.Adapter
	tracker history.Tracker
	logger  *slog.Logger
}

func New(ad backend.Adapter, tracker history.Tracker, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{ad: ad, tracker: tracker, logger: logger}
}

// Run executes the full state machine for one target document.
func (e *Executor) Run(ctx context.Context, doc *schema.Document, opts Options) (*Result, error) {
	if doc == nil {
		return nil, ErrNoTarget
	}
	if !doc.Metadata.Migration {
		return nil, ErrNotEnabled
	}

	live, err := e.IntrospectLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("introspect live schema: %w", err)
	}
	target := doc.Snapshot()
	if opts.Table != "" {
		live = restrict(live, opts.Table)
		target = restrict(target, opts.Table)
	}

	res := &Result{State: StateDiffed, Diff: diff.Compare(live, target)}
	if !res.Diff.HasChanges() {
		res.NoOp = true
		e.logger.Info("schema up to date", "schema", doc.Name)
		return res, nil
	}

	res.Preview = Preview(res.Diff)
	if opts.DryRun {
		res.State = StatePreviewed
		return res, nil
	}

	if !opts.AutoApprove {
		if opts.Confirm == nil {
			res.State = StateCancelled
			return res, fmt.Errorf("confirmation required but no confirmation callback provided")
		}
		ok, err := opts.Confirm(res.Preview, res.Diff.HasDestructiveChanges())
		if err != nil {
			return nil, err
		}
		if !ok {
			res.State = StateCancelled
			e.logger.Info("migration cancelled", "schema", doc.Name)
			return res, nil
		}
	} else {
		// Auto-approve skips the prompt, never the plan itself.
		destructive := res.Diff.HasDestructiveChanges()
		if opts.Render != nil {
			opts.Render(res.Preview, destructive)
		} else {
			e.logger.Info("migration plan", "schema", doc.Name, "plan", res.Preview)
		}
		if destructive {
			_, dropped, modified := res.Diff.Counts()
			e.logger.Warn("auto-approving a destructive plan", "schema", doc.Name,
				"dropped", dropped, "modified", modified)
		}
	}

	res.State = StateExecuting
	start := time.Now()
	ops, err := e.apply(ctx, target, res.Diff)
	duration := time.Since(start)
	if err != nil {
		res.State = StateRolledBack
		failed := &FailedError{Applied: 0, Cause: err}
		e.record(ctx, doc, res, duration, "failed", failed.Error(), opts)
		return res, failed
	}
	res.State = StateCommitted
	res.Operations = ops
	e.record(ctx, doc, res, duration, "success", "", opts)
	e.logger.Info("migration committed", "schema", doc.Name, "operations", ops,
		"destructive", res.Diff.HasDestructiveChanges())
	return res, nil
}

// apply opens the transaction and walks the fixed phase order: create
// tables, add columns, modify columns, drop columns, drop tables.
// Additions run before removals so dependent constraints never break
// mid-migration. Any failure rolls everything back.
func (e *Executor) apply(ctx context.Context, target schema.Snapshot, d diff.Result) (int, error) {
	if err := e.ad.Begin(ctx); err != nil {
		return 0, err
	}
	ops, err := e.applyPhases(ctx, target, d)
	if err != nil {
		if rbErr := e.ad.Rollback(ctx); rbErr != nil {
			e.logger.Error("rollback failed", "error", rbErr)
		}
		return 0, err
	}
	if err := e.ad.Commit(ctx); err != nil {
		return 0, err
	}
	return ops, nil
}

func (e *Executor) applyPhases(ctx context.Context, target schema.Snapshot, d diff.Result) (int, error) {
	ops := 0

	for _, name := range d.TablesAdded {
		if err := e.ad.CreateTable(ctx, name, target[name]); err != nil {
			return ops, err
		}
		ops++
	}

	for _, name := range d.ModifiedTables() {
		td := d.TablesModified[name]
		for _, col := range td.ColumnsAdded {
			change := backend.Change{Kind: backend.AddColumn, Column: col, Def: target[name][col]}
			if err := e.ad.AlterTable(ctx, name, []backend.Change{change}); err != nil {
				return ops, err
			}
			ops++
		}
	}

	// Modify and drop phases. Backends that cannot rewrite a column in
	// place rebuild the whole table once, which covers both phases.
	recreator, canRecreate := e.ad.(backend.TableRecreator)
	rebuilt := map[string]bool{}
	for _, name := range d.ModifiedTables() {
		td := d.TablesModified[name]
		if len(td.ColumnsModified) == 0 {
			continue
		}
		if canRecreate {
			if err := recreator.RecreateTable(ctx, name, target[name]); err != nil {
				return ops, err
			}
			rebuilt[name] = true
			ops += len(td.ColumnsModified) + len(td.ColumnsDropped)
			continue
		}
		for _, ch := range td.ColumnsModified {
			change := backend.Change{Kind: backend.ModifyColumn, Column: ch.Name, Def: ch.To}
			if err := e.ad.AlterTable(ctx, name, []backend.Change{change}); err != nil {
				return ops, err
			}
			ops++
		}
	}

	for _, name := range d.ModifiedTables() {
		td := d.TablesModified[name]
		if len(td.ColumnsDropped) == 0 || rebuilt[name] {
			continue
		}
		if canRecreate {
			if err := recreator.RecreateTable(ctx, name, target[name]); err != nil {
				return ops, err
			}
			ops += len(td.ColumnsDropped)
			continue
		}
		for _, col := range td.ColumnsDropped {
			change := backend.Change{Kind: backend.DropColumn, Column: col}
			if err := e.ad.AlterTable(ctx, name, []backend.Change{change}); err != nil {
				return ops, err
			}
			ops++
		}
	}

	for _, name := range d.TablesDropped {
		if err := e.ad.DropTable(ctx, name, true); err != nil {
			return ops, err
		}
		ops++
	}
	return ops, nil
}

// record writes the audit row. A failed write is logged, never fatal:
// the migration itself already committed or rolled back.
func (e *Executor) record(ctx context.Context, doc *schema.Document, res *Result, duration time.Duration, status, errMsg string, opts Options) {
	if e.tracker == nil {
		return
	}
	added, dropped, modified := res.Diff.Counts()
	rec := history.NewRecord()
	rec.FromVersion = e.lastVersion(ctx)
	rec.ToVersion = opts.Version
	if rec.ToVersion == "" {
		rec.ToVersion = doc.Metadata.MigrationVersion
	}
	rec.AppliedBy = opts.AppliedBy
	rec.DurationMS = duration.Milliseconds()
	rec.SchemaHash = doc.Snapshot().Hash()
	rec.ChangesSummary = fmt.Sprintf("%d added, %d dropped, %d modified", added, dropped, modified)
	rec.ChangesDetail = detailJSON(res.Diff)
	rec.Status = status
	rec.ErrorMessage = errMsg
	rec.RollbackPossible = !res.Diff.HasDestructiveChanges()
	rec.ColumnsAdded = added
	rec.ColumnsDropped = dropped
	rec.ColumnsModified = modified
	rec.IsBreaking = res.Diff.HasDestructiveChanges()

	if err := e.tracker.Append(ctx, touchedTables(res.Diff), rec); err != nil {
		e.logger.Error("history write failed", "error", err)
		return
	}
	res.Record = &rec
}

func (e *Executor) lastVersion(ctx context.Context) string {
	recs, err := e.tracker.List(ctx, 1)
	if err != nil || len(recs) == 0 {
		return ""
	}
	return recs[0].ToVersion
}

// IntrospectLive builds the live snapshot from the adapter, skipping the
// tracker's own bookkeeping table.
func (e *Executor) IntrospectLive(ctx context.Context) (schema.Snapshot, error) {
	tables, err := e.ad.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	snap := schema.Snapshot{}
	for _, name := range tables {
		if history.IsHistoryTable(name) {
			continue
		}
		cols, err := e.ad.Introspect(ctx, name)
		if err != nil {
			return nil, err
		}
		snap[name] = cols
	}
	return snap, nil
}

func restrict(snap schema.Snapshot, table string) schema.Snapshot {
	out := schema.Snapshot{}
	if cols, ok := snap[table]; ok {
		out[table] = cols
	}
	return out
}

func touchedTables(d diff.Result) []string {
	var out []string
	out = append(out, d.TablesAdded...)
	out = append(out, d.TablesDropped...)
	out = append(out, d.ModifiedTables()...)
	return out
}

func detailJSON(d diff.Result) string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	return string(data)
}
