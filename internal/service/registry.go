package service

import (
	"sort"
	"time"

	"github.com/loykin/warden/internal/docstore"
	"github.com/loykin/warden/internal/errs"
)

// document is the on-disk shape of one registry: name -> record.
type document map[string]Record

// Registry persists the records of one kind. Every mutation is a
// read-modify-write under the store's document locks.
type Registry struct {
	kind  Kind
	store *docstore.Store
	now   func() time.Time
}

func NewRegistry(store *docstore.Store, kind Kind) *Registry {
	return &Registry{kind: kind, store: store, now: time.Now}
}

func (g *Registry) Kind() Kind { return g.kind }

func (g *Registry) load() (document, error) {
	doc := document{}
	if err := g.store.Load(g.kind.Document(), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (g *Registry) update(fn func(doc document) error) error {
	doc := document{}
	return g.store.Update(g.kind.Document(), &doc, func() error {
		if doc == nil {
			doc = document{}
		}
		return fn(doc)
	})
}

// List returns every record sorted by name.
func (g *Registry) List() ([]Record, error) {
	doc, err := g.load()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(doc))
	for name, r := range doc {
		r.Name = name
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (g *Registry) Get(name string) (Record, error) {
	doc, err := g.load()
	if err != nil {
		return Record{}, err
	}
	r, ok := doc[name]
	if !ok {
		return Record{}, errs.NotFound("%s %q", g.kind, name)
	}
	r.Name = name
	return r, nil
}

// Add stores a new stopped record.
func (g *Registry) Add(rec Record) (Record, error) {
	rec.Kind = g.kind
	rec.ApplyDefaults()
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	now := g.now().UTC()
	rec.Status = StatusStopped
	rec.ProcessID = nil
	rec.ProcessStart = 0
	rec.CreatedAt, rec.UpdatedAt = now, now
	err := g.update(func(doc document) error {
		if _, ok := doc[rec.Name]; ok {
			return errs.AlreadyExists("%s %q", g.kind, rec.Name)
		}
		doc[rec.Name] = rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Update replaces the launch spec of a stopped record. Status, process and
// creation fields are kept.
func (g *Registry) Update(name string, rec Record) (Record, error) {
	rec.Name = name
	rec.Kind = g.kind
	rec.ApplyDefaults()
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	var out Record
	err := g.update(func(doc document) error {
		cur, ok := doc[name]
		if !ok {
			return errs.NotFound("%s %q", g.kind, name)
		}
		if cur.Running() {
			return errs.InvalidState("%s %q is running; stop it before editing", g.kind, name)
		}
		rec.Status = cur.Status
		rec.ProcessID = cur.ProcessID
		rec.ProcessStart = cur.ProcessStart
		rec.CreatedAt = cur.CreatedAt
		rec.UpdatedAt = g.now().UTC()
		doc[name] = rec
		out = rec
		return nil
	})
	return out, err
}

// Delete removes a stopped record and returns it.
func (g *Registry) Delete(name string) (Record, error) {
	var out Record
	err := g.update(func(doc document) error {
		cur, ok := doc[name]
		if !ok {
			return errs.NotFound("%s %q", g.kind, name)
		}
		if cur.Running() {
			return errs.InvalidState("%s %q is running; stop it before deleting", g.kind, name)
		}
		delete(doc, name)
		out = cur
		out.Name = name
		return nil
	})
	return out, err
}

// SetStatus is the only writer of Status and ProcessID. Running requires a
// pid; stopped clears it.
func (g *Registry) SetStatus(name string, status Status, pid int, startUnix int64) (Record, error) {
	if status == StatusRunning && pid <= 0 {
		return Record{}, errs.InvalidState("%s %q: running requires a process id", g.kind, name)
	}
	if status != StatusRunning && status != StatusStopped {
		return Record{}, errs.InvalidState("unknown status %q", status)
	}
	var out Record
	err := g.update(func(doc document) error {
		cur, ok := doc[name]
		if !ok {
			return errs.NotFound("%s %q", g.kind, name)
		}
		applyStatus(&cur, status, pid, startUnix)
		cur.UpdatedAt = g.now().UTC()
		doc[name] = cur
		out = cur
		out.Name = name
		return nil
	})
	return out, err
}

// MarkStoppedIf reconciles a record to stopped only if it still claims the
// given pid, so a concurrent restart is never overwritten. It reports
// whether the record changed.
func (g *Registry) MarkStoppedIf(name string, pid int) (Record, bool, error) {
	var (
		out     Record
		changed bool
	)
	err := g.update(func(doc document) error {
		cur, ok := doc[name]
		if !ok {
			return errs.NotFound("%s %q", g.kind, name)
		}
		if cur.Running() && cur.PID() == pid {
			applyStatus(&cur, StatusStopped, 0, 0)
			cur.UpdatedAt = g.now().UTC()
			doc[name] = cur
			changed = true
		}
		out = cur
		out.Name = name
		return nil
	})
	return out, changed, err
}

func applyStatus(r *Record, status Status, pid int, startUnix int64) {
	r.Status = status
	if status == StatusRunning {
		p := pid
		r.ProcessID = &p
		r.ProcessStart = startUnix
		return
	}
	r.ProcessID = nil
	r.ProcessStart = 0
}

// Registries groups the per-kind registries sharing one store.
type Registries struct {
	store  *docstore.Store
	byKind map[Kind]*Registry
}

func NewRegistries(store *docstore.Store) *Registries {
	rs := &Registries{store: store, byKind: make(map[Kind]*Registry, len(Kinds))}
	for _, k := range Kinds {
		rs.byKind[k] = NewRegistry(store, k)
	}
	return rs
}

func (rs *Registries) For(kind Kind) (*Registry, error) {
	g, ok := rs.byKind[kind]
	if !ok {
		return nil, errs.InvalidState("unknown service kind %q", kind)
	}
	return g, nil
}

func (rs *Registries) Store() *docstore.Store { return rs.store }
