package facade

import (
	"context"
	"log/slog"
	"sync"

	"dbbridge/internal/backend"
	"dbbridge/internal/schema"
)

// Session is one live adapter held under an alias for reuse across
// sequential requests.
type Session struct {
	Alias   string
	Adapter backend.Adapter
	Doc     *schema.Document
}

// Registry is the injectable session cache. Get-or-create holds the
// lock across adapter construction so two requests resolving the same
// alias concurrently never both open a connection.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{sessions: map[string]*Session{}, logger: logger}
}

// GetOrCreate returns the session under alias, opening one via open on
// a miss. The bool reports whether the session already existed.
func (r *Registry) GetOrCreate(alias string, open func() (backend.Adapter, *schema.Document, error)) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[alias]; ok {
		return s, true, nil
	}
	ad, doc, err := open()
	if err != nil {
		return nil, false, err
	}
	s := &Session{Alias: alias, Adapter: ad, Doc: doc}
	r.sessions[alias] = s
	return s, false, nil
}

// Get returns the session under alias, or nil.
func (r *Registry) Get(alias string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[alias]
}

// Evict drops the alias from the cache and closes its connection.
func (r *Registry) Evict(ctx context.Context, alias string) error {
	r.mu.Lock()
	s, ok := r.sessions[alias]
	delete(r.sessions, alias)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Adapter.Close()
}

// CloseAll tears every session down; errors are logged, teardown
// continues.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = map[string]*Session{}
	r.mu.Unlock()
	for _, s := range sessions {
		if err := s.Adapter.Close(); err != nil {
			r.logger.Error("session close failed", "alias", s.Alias, "error", err)
		}
	}
}
