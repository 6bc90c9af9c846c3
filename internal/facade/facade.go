// Package facade is the top-level orchestrator: it loads declared
// schemas, resolves connection strings, obtains adapters through the
// factory, manages one-shot vs session-scoped connection lifecycle and
// routes request envelopes to the adapter or the migration executor.
package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"dbbridge/internal/backend"
	"dbbridge/internal/config"
	"dbbridge/internal/history"
	"dbbridge/internal/migrate"
	"dbbridge/internal/schema"
)

// ErrNotInitialized means a pass-through call arrived before any
// schema/adapter was resolved.
var ErrNotInitialized = errors.New("adapter not initialized")

// Action is the request envelope's operation selector.
type Action string

const (
	ActionInsert     Action = "insert"
	ActionRead       Action = "read"
	ActionUpdate     Action = "update"
	ActionDelete     Action = "delete"
	ActionUpsert     Action = "upsert"
	ActionCreate     Action = "create"
	ActionDrop       Action = "drop"
	ActionHead       Action = "head"
	ActionListTables Action = "list_tables"
	ActionMigrate    Action = "migrate"
)

// headLimit caps the head action's sample size.
const headLimit = 10

// SessionContext opts a request into session-scoped connection reuse.
// An empty Alias is filled in with a generated one so the caller can
// address the same connection on later requests.
type SessionContext struct {
	Alias string
}

// Options carries the per-action parameters of a request envelope.
type Options struct {
	Fields         []string
	Values         []any
	Where          []backend.Condition
	Joins          []backend.Join
	Order          []backend.OrderBy
	Limit          int
	ConflictFields []string
	Changes        []backend.Change

	// Migration parameters, used by ActionMigrate only.
	DryRun      bool
	AutoApprove bool
	Version     string
	Confirm     migrate.ConfirmFunc
	Render      migrate.RenderFunc
}

// Request is the envelope the facade consumes.
type Request struct {
	// Model references the declared schema: a document path, or the
	// name of a schema already loaded this process.
	Model  string
	Action Action
	Table  string
	// Tables fans the action out: each entry is routed as if it were
	// Table and the responses are merged. Ignored when empty.
	Tables  []string
	Options Options
	Session *SessionContext
}

// Response reports what a request did.
type Response struct {
	Rows         []backend.Row
	RowsAffected int64
	Tables       []string
	Migration    *migrate.Result
}

// Facade routes request envelopes. Safe for sequential use; concurrent
// requests must use distinct session aliases or one-shot mode.
type Facade struct {
	logger   *slog.Logger
	registry *Registry
	hooks    *Hooks
	conf     config.Config

	mu      sync.Mutex
	schemas map[string]*schema.Document
}

func New(conf config.Config, registry *Registry, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry(logger)
	}
	return &Facade{
		logger:   logger,
		registry: registry,
		hooks:    NewHooks(),
		conf:     conf,
		schemas:  map[string]*schema.Document{},
	}
}

// Hooks exposes the callback registry for callers to register and bind
// named hooks.
func (f *Facade) Hooks() *Hooks { return f.hooks }

// Registry exposes the session cache, mainly for teardown.
func (f *Facade) Registry() *Registry { return f.registry }

// Do executes one request envelope.
func (f *Facade) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("%w: request has no model reference", ErrNotInitialized)
	}
	doc, err := f.resolveSchema(req.Model)
	if err != nil {
		return nil, err
	}

	if req.Session != nil {
		if req.Session.Alias == "" {
			req.Session.Alias = uuid.NewString()
		}
		return f.doSession(ctx, req, doc)
	}
	return f.doOneShot(ctx, req, doc)
}

// doOneShot opens a fresh connection, runs the request and always
// disconnects, success or failure.
func (f *Facade) doOneShot(ctx context.Context, req Request, doc *schema.Document) (*Response, error) {
	ad, err := f.openAdapter(ctx, doc)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ad.Close(); err != nil {
			f.logger.Error("disconnect failed", "schema", doc.Name, "error", err)
		}
	}()
	return f.dispatch(ctx, ad, doc, req)
}

// doSession reuses (or atomically creates) the connection cached under
// the request's alias. Disconnection is the caller's job, via
// Registry.Evict or CloseAll.
func (f *Facade) doSession(ctx context.Context, req Request, doc *schema.Document) (*Response, error) {
	alias := req.Session.Alias
	s, existed, err := f.registry.GetOrCreate(alias, func() (backend.Adapter, *schema.Document, error) {
		ad, err := f.openAdapter(ctx, doc)
		return ad, doc, err
	})
	if err != nil {
		return nil, err
	}
	if existed && s.Adapter.Type() != doc.Metadata.Type {
		// Declared backend changed under a live alias. Column diffing
		// never runs across backend types; migrate goes through the
		// export/re-import path, anything else reconnects.
		if req.Action == ActionMigrate {
			return f.switchBackend(ctx, s, doc, alias)
		}
		f.logger.Warn("backend type changed, reconnecting",
			"alias", alias, "from", s.Adapter.Type(), "to", doc.Metadata.Type)
		if err := f.registry.Evict(ctx, alias); err != nil {
			f.logger.Error("evict failed", "alias", alias, "error", err)
		}
		return f.doSession(ctx, req, doc)
	}
	return f.dispatch(ctx, s.Adapter, doc, req)
}

// dispatch fans a multi-table request out table by table and merges the
// per-table responses; a single-table request routes directly.
func (f *Facade) dispatch(ctx context.Context, ad backend.Adapter, doc *schema.Document, req Request) (*Response, error) {
	if len(req.Tables) == 0 {
		return f.route(ctx, ad, doc, req)
	}
	merged := &Response{}
	for _, table := range req.Tables {
		req.Table = table
		resp, err := f.route(ctx, ad, doc, req)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", table, err)
		}
		merged.Rows = append(merged.Rows, resp.Rows...)
		merged.RowsAffected += resp.RowsAffected
		merged.Tables = append(merged.Tables, resp.Tables...)
		merged.Migration = resp.Migration
	}
	return merged, nil
}

func (f *Facade) switchBackend(ctx context.Context, s *Session, doc *schema.Document, alias string) (*Response, error) {
	target, err := f.openAdapter(ctx, doc)
	if err != nil {
		return nil, err
	}
	report, err := migrate.SwitchBackend(ctx, s.Adapter, target, doc, f.logger)
	if err != nil {
		if cerr := target.Close(); cerr != nil {
			f.logger.Error("disconnect failed", "schema", doc.Name, "error", cerr)
		}
		return nil, err
	}
	if err := f.registry.Evict(ctx, alias); err != nil {
		f.logger.Error("evict failed", "alias", alias, "error", err)
	}
	f.registry.GetOrCreate(alias, func() (backend.Adapter, *schema.Document, error) {
		return target, doc, nil
	})
	return &Response{RowsAffected: report.RowsMigrated}, nil
}

// openAdapter resolves the connection string, constructs the adapter
// through the factory and connects.
func (f *Facade) openAdapter(ctx context.Context, doc *schema.Document) (backend.Adapter, error) {
	dsn, source, err := config.ResolveConnection(doc)
	if err != nil {
		return nil, err
	}
	if source == config.SourceLiteral {
		f.logger.Warn("schema document embeds a literal connection string; move credentials to an environment variable",
			"schema", doc.Name)
	}
	cfg := backend.Config{
		Type:   doc.Metadata.Type,
		DSN:    dsn,
		Label:  doc.Metadata.Label,
		Schema: doc,
	}
	ad, err := backend.Open(cfg, f.logger)
	if err != nil {
		return nil, err
	}
	if err := ad.Connect(ctx); err != nil {
		return nil, err
	}
	return ad, nil
}

func (f *Facade) route(ctx context.Context, ad backend.Adapter, doc *schema.Document, req Request) (*Response, error) {
	opts := req.Options
	switch req.Action {
	case ActionInsert:
		f.ensureTable(ctx, ad, doc, req.Table)
		f.hooks.run(ctx, f.logger, BeforeInsert, req.Table, opts.Fields, opts.Values)
		n, err := ad.Insert(ctx, req.Table, opts.Fields, opts.Values)
		if err != nil {
			return nil, err
		}
		f.hooks.run(ctx, f.logger, AfterInsert, req.Table, opts.Fields, opts.Values)
		return &Response{RowsAffected: n}, nil

	case ActionRead:
		rows, err := ad.Select(ctx, req.Table, backend.Query{
			Fields: opts.Fields,
			Where:  opts.Where,
			Joins:  opts.Joins,
			Order:  opts.Order,
			Limit:  opts.Limit,
		})
		if err != nil {
			return nil, err
		}
		return &Response{Rows: rows}, nil

	case ActionHead:
		rows, err := ad.Select(ctx, req.Table, backend.Query{Fields: opts.Fields, Limit: headLimit})
		if err != nil {
			return nil, err
		}
		return &Response{Rows: rows}, nil

	case ActionUpdate:
		f.hooks.run(ctx, f.logger, BeforeUpdate, req.Table, opts.Fields, opts.Values)
		n, err := ad.Update(ctx, req.Table, opts.Fields, opts.Values, opts.Where)
		if err != nil {
			return nil, err
		}
		f.hooks.run(ctx, f.logger, AfterUpdate, req.Table, opts.Fields, opts.Values)
		return &Response{RowsAffected: n}, nil

	case ActionDelete:
		n, err := ad.Delete(ctx, req.Table, opts.Where)
		if err != nil {
			return nil, err
		}
		return &Response{RowsAffected: n}, nil

	case ActionUpsert:
		n, err := ad.Upsert(ctx, req.Table, opts.Fields, opts.Values, opts.ConflictFields)
		if err != nil {
			return nil, err
		}
		return &Response{RowsAffected: n}, nil

	case ActionCreate:
		cols, ok := doc.Tables[req.Table]
		if !ok {
			return nil, fmt.Errorf("table %q is not declared in schema %q", req.Table, doc.Name)
		}
		if err := ad.CreateTable(ctx, req.Table, cols); err != nil {
			return nil, err
		}
		return &Response{}, nil

	case ActionDrop:
		if err := ad.DropTable(ctx, req.Table, true); err != nil {
			return nil, err
		}
		return &Response{}, nil

	case ActionListTables:
		tables, err := ad.ListTables(ctx)
		if err != nil {
			return nil, err
		}
		return &Response{Tables: tables}, nil

	case ActionMigrate:
		return f.runMigration(ctx, ad, doc, opts)

	default:
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}
}

func (f *Facade) runMigration(ctx context.Context, ad backend.Adapter, doc *schema.Document, opts Options) (*Response, error) {
	cfg := backend.Config{Type: doc.Metadata.Type, DSN: doc.Metadata.Connection, Schema: doc}
	if dsn, _, err := config.ResolveConnection(doc); err == nil {
		cfg.DSN = dsn
	}
	tracker := history.ForBackend(ad, cfg, f.logger)
	exec := migrate.New(ad, tracker, f.logger)
	res, err := exec.Run(ctx, doc, migrate.Options{
		DryRun:      opts.DryRun,
		AutoApprove: opts.AutoApprove,
		Version:     opts.Version,
		AppliedBy:   f.conf.AppliedBy,
		Confirm:     opts.Confirm,
		Render:      opts.Render,
	})
	if err != nil {
		return nil, err
	}
	return &Response{Migration: res}, nil
}

// TCL pass-through. Transactions only make sense across requests, so
// these address a live session by alias; the one-shot path closes its
// connection after every request and has nothing to hold a transaction
// open on.

func (f *Facade) Begin(ctx context.Context, alias string) error {
	return f.withSession(alias, func(s *Session) error { return s.Adapter.Begin(ctx) })
}

func (f *Facade) Commit(ctx context.Context, alias string) error {
	return f.withSession(alias, func(s *Session) error { return s.Adapter.Commit(ctx) })
}

func (f *Facade) Rollback(ctx context.Context, alias string) error {
	return f.withSession(alias, func(s *Session) error { return s.Adapter.Rollback(ctx) })
}

func (f *Facade) withSession(alias string, fn func(*Session) error) error {
	s := f.registry.Get(alias)
	if s == nil {
		return fmt.Errorf("%w: no live session %q", ErrNotInitialized, alias)
	}
	return fn(s)
}

// DCL pass-through. Only the networked relational backends implement
// grants; everything else returns a typed UnsupportedError carrying the
// operation kind.

func (f *Facade) Grant(ctx context.Context, model, privilege, table, role string) error {
	return f.withDCL(ctx, model, backend.OpGrant, func(dcl backend.DCLAdapter) error {
		return dcl.Grant(ctx, privilege, table, role)
	})
}

func (f *Facade) Revoke(ctx context.Context, model, privilege, table, role string) error {
	return f.withDCL(ctx, model, backend.OpRevoke, func(dcl backend.DCLAdapter) error {
		return dcl.Revoke(ctx, privilege, table, role)
	})
}

func (f *Facade) ListPrivileges(ctx context.Context, model, table string) ([]backend.Privilege, error) {
	var out []backend.Privilege
	err := f.withDCL(ctx, model, backend.OpListPrivileges, func(dcl backend.DCLAdapter) error {
		var err error
		out, err = dcl.ListPrivileges(ctx, table)
		return err
	})
	return out, err
}

func (f *Facade) withDCL(ctx context.Context, model string, op backend.Op, fn func(backend.DCLAdapter) error) error {
	doc, err := f.resolveSchema(model)
	if err != nil {
		return err
	}
	ad, err := f.openAdapter(ctx, doc)
	if err != nil {
		return err
	}
	defer func() {
		if err := ad.Close(); err != nil {
			f.logger.Error("disconnect failed", "schema", doc.Name, "error", err)
		}
	}()
	dcl, ok := ad.(backend.DCLAdapter)
	if !ok {
		return backend.Unsupported(ad.Type(), op)
	}
	return fn(dcl)
}

// ensureTable auto-creates a declared table that does not exist yet.
// Best-effort: a failure here is logged and the insert proceeds to fail
// (or succeed) on its own.
func (f *Facade) ensureTable(ctx context.Context, ad backend.Adapter, doc *schema.Document, table string) {
	cols, declared := doc.Tables[table]
	if !declared {
		return
	}
	exists, err := ad.TableExists(ctx, table)
	if err != nil {
		f.logger.Error("table existence check failed", "table", table, "error", err)
		return
	}
	if exists {
		return
	}
	if err := ad.CreateTable(ctx, table, cols); err != nil {
		f.logger.Error("auto-create failed", "table", table, "error", err)
		return
	}
	f.logger.Info("auto-created declared table", "table", table, "schema", doc.Name)
}

// resolveSchema returns the document for a model reference: a cached
// name, or a document path loaded (and cached) on first use.
func (f *Facade) resolveSchema(model string) (*schema.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.schemas[model]; ok {
		return doc, nil
	}
	if !looksLikePath(model) {
		return nil, &schema.NotFoundError{Path: model, Err: errors.New("schema is not loaded and the reference is not a document path")}
	}
	doc, err := schema.Load(model)
	if err != nil {
		return nil, err
	}
	f.schemas[model] = doc
	f.schemas[doc.Name] = doc
	return doc, nil
}

func looksLikePath(model string) bool {
	if strings.ContainsRune(model, os.PathSeparator) || strings.Contains(model, "/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(model)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
