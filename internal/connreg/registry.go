// Package connreg implements the process-wide registry of named database
// connections that provisioning and tenant resolution are built on.
//
// Every connection the application uses (the superuser control connection,
// the short-lived setup connection bound to a freshly created tenant database,
// and the per-tenant environment connections) is a named Descriptor in this
// registry. Components never hold raw DSNs; they register a descriptor under a
// name and resolve the live pool through the registry. The registry is an
// explicit injected dependency, not package-level state, so tests can run with
// their own isolated instance and a fake opener.
//
// The single most important bug class this registry exists to prevent is using
// a pooled connection that was opened from a stale descriptor. Whenever a
// descriptor is replaced under an existing name, Purge must be called before
// the name is resolved again; Resolve then reopens from the current
// descriptor. Reconnect combines both and pings eagerly so connectivity errors
// surface at registration time rather than at first query.
package connreg

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
)

// Descriptor describes one named database connection. Descriptors are value
// types: components needing a differently scoped connection derive a copy via
// the With* helpers and register it under a new name rather than mutating a
// registered descriptor in place.
type Descriptor struct {
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	SearchPath   string
	MaxOpenConns int
	MaxIdleConns int
}

// DSN renders the descriptor as a lib/pq connection string. search_path is
// passed as a runtime parameter so every session opened from the pool resolves
// unqualified table names against the descriptor's schema list.
func (d Descriptor) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s search_path=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode, d.SearchPath,
	)
}

// WithDatabase returns a copy of the descriptor pointing at another database.
func (d Descriptor) WithDatabase(database string) Descriptor {
	d.Database = database
	return d
}

// WithSearchPath returns a copy of the descriptor with a different search path.
func (d Descriptor) WithSearchPath(searchPath string) Descriptor {
	d.SearchPath = searchPath
	return d
}

// WithCredentials returns a copy of the descriptor authenticating as another role.
func (d Descriptor) WithCredentials(username, password string) Descriptor {
	d.Username = username
	d.Password = password
	return d
}

// Opener opens a database handle from a DSN. The default opener uses lib/pq;
// tests substitute one backed by sqlmock.
type Opener func(dsn string) (*sql.DB, error)

func defaultOpener(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

type entry struct {
	desc Descriptor
	db   *sql.DB
}

// ErrNotRegistered is returned by Resolve and Reconnect for unknown names.
var ErrNotRegistered = fmt.Errorf("connreg: connection name not registered")

// Registry is a concurrency-safe table of named connection descriptors and
// their lazily opened pools.
type Registry struct {
	mu      sync.Mutex
	open    Opener
	entries map[string]*entry
}

// New creates a registry using the lib/pq opener.
func New() *Registry {
	return NewWithOpener(defaultOpener)
}

// NewWithOpener creates a registry with a custom opener. Used by tests.
func NewWithOpener(open Opener) *Registry {
	return &Registry{
		open:    open,
		entries: make(map[string]*entry),
	}
}

// Register upserts the descriptor stored under name, replacing any prior one.
// An already open pool is left untouched: callers must Purge after replacing a
// descriptor so the next Resolve reopens from the new one.
func (r *Registry) Register(name string, desc Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		e.desc = desc
		return
	}
	r.entries[name] = &entry{desc: desc}
}

// Purge closes and discards any open pool associated with name. The
// descriptor is retained; a subsequent Resolve reopens from it. Purging an
// unknown or never-opened name is a no-op.
func (r *Registry) Purge(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok || e.db == nil {
		return
	}
	// Close returns an error only when the pool was already closed; there is
	// nothing actionable for the caller either way.
	_ = e.db.Close()
	e.db = nil
}

// Resolve returns the live pool for a registered name, opening it from the
// stored descriptor if necessary.
func (r *Registry) Resolve(name string) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(name)
}

func (r *Registry) resolveLocked(name string) (*sql.DB, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	if e.db != nil {
		return e.db, nil
	}
	db, err := r.open(e.desc.DSN())
	if err != nil {
		return nil, fmt.Errorf("connreg: open %q: %w", name, err)
	}
	if e.desc.MaxOpenConns > 0 {
		db.SetMaxOpenConns(e.desc.MaxOpenConns)
	}
	if e.desc.MaxIdleConns > 0 {
		db.SetMaxIdleConns(e.desc.MaxIdleConns)
	}
	e.db = db
	return db, nil
}

// Reconnect forces immediate (re)establishment of the connection under name:
// any open pool is closed, a new one is opened from the current descriptor,
// and the server is pinged so connectivity errors surface eagerly rather than
// lazily at first query.
func (r *Registry) Reconnect(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	if e.db != nil {
		_ = e.db.Close()
		e.db = nil
	}
	db, err := r.resolveLocked(name)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connreg: ping %q: %w", name, err)
	}
	return nil
}

// Close purges every registered connection. Called once at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.db != nil {
			_ = e.db.Close()
			e.db = nil
		}
	}
}
