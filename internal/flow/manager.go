package flow

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pavelanni/studyflow/internal/checkpoint"
	"github.com/pavelanni/studyflow/internal/content"
	"github.com/pavelanni/studyflow/internal/store"
)

// Manager hands out one Orchestrator per checkpoint scope, resuming from the
// checkpoint the first time a scope is seen.
type Manager struct {
	mu        sync.Mutex
	byScope   map[string]*Orchestrator
	kv        store.KV
	catalog   *content.Catalog
	submitter Submitter
	log       *slog.Logger
}

func NewManager(kv store.KV, catalog *content.Catalog, submitter Submitter, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		byScope:   make(map[string]*Orchestrator),
		kv:        kv,
		catalog:   catalog,
		submitter: submitter,
		log:       log,
	}
}

// Get returns the orchestrator for scope, creating and resuming it on first use.
func (m *Manager) Get(scope string) (*Orchestrator, error) {
	if !checkpoint.ValidScope(scope) {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.byScope[scope]; ok {
		return o, nil
	}
	o := New(checkpoint.New(m.kv, scope, m.log), m.catalog, m.submitter, m.log)
	if _, err := o.Resume(); err != nil {
		return nil, err
	}
	m.byScope[scope] = o
	return o, nil
}

// Forget drops the in-memory orchestrator for scope; its checkpoint is untouched.
func (m *Manager) Forget(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byScope, scope)
}
