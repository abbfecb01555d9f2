// Package syncer reconciles upstream EHR listings into local storage. A
// Strategy syncs one entity type; the Orchestrator runs the requested types
// in dependency order and records the outcome as a sync run.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/ehr/ehrsync/internal/entity"
	"github.com/ehr/ehrsync/internal/store"
	"github.com/ehr/ehrsync/internal/syncrun"
)

// Fetcher returns every upstream record of a listing or an error.
type Fetcher interface {
	FetchAll(ctx context.Context, endpoint string, filters url.Values) ([]json.RawMessage, error)
}

// Params narrows what a strategy pulls from upstream.
type Params struct {
	Scope *string
	Since *time.Time
}

// Report is the outcome of syncing one entity type.
type Report struct {
	Result syncrun.EntityResult
	Errors []syncrun.ErrorRecord
}

func (r *Report) fail(t entity.Type, recordID string, err error) {
	r.Result.Errored++
	r.Errors = append(r.Errors, newErrorRecord(t, recordID, err))
}

// Strategy syncs one entity type. Per-record problems are counted in the
// report; a returned error means the strategy could not continue and the
// report holds whatever was done before it stopped.
type Strategy interface {
	Type() entity.Type
	Sync(ctx context.Context, p Params) (Report, error)
}

type worker struct {
	def   entity.Definition
	fetch Fetcher
	store store.Store
	now   func() time.Time
}

func (w *worker) Type() entity.Type { return w.def.Type }

func (w *worker) filters(p Params, parentID string) url.Values {
	q := url.Values{}
	if p.Scope != nil && *p.Scope != "" {
		q.Set(entity.ScopeParam, *p.Scope)
	}
	if p.Since != nil && w.def.SinceParam != "" {
		q.Set(w.def.SinceParam, p.Since.UTC().Format(time.RFC3339))
	}
	if parentID != "" && w.def.ParentParam != "" {
		q.Set(w.def.ParentParam, parentID)
	}
	return q
}

// apply maps and writes a single record. Failures are counted on rep and
// never stop the caller's loop.
func (w *worker) apply(ctx context.Context, rep *Report, raw json.RawMessage, parentID string, parents *parentCache) {
	row, err := w.def.Map(raw, parentID, w.now().UTC())
	if err != nil {
		rep.fail(w.def.Type, entity.PeekID(raw), fmt.Errorf("%w: %v", ErrMap, err))
		return
	}
	if row == nil {
		rep.fail(w.def.Type, "", fmt.Errorf("%w: record has no external id", ErrMap))
		return
	}

	if parents != nil {
		pid := row.ParentID()
		if pid == "" {
			rep.fail(w.def.Type, row.ExternalID, fmt.Errorf("%w: record does not reference a %s", ErrPrerequisiteMissing, w.def.Parent))
			return
		}
		ok, err := parents.exists(ctx, pid)
		if err != nil {
			rep.fail(w.def.Type, row.ExternalID, err)
			return
		}
		if !ok {
			rep.fail(w.def.Type, row.ExternalID, fmt.Errorf("%w: %s %s has not been synced", ErrPrerequisiteMissing, w.def.Parent, pid))
			return
		}
	}

	outcome, err := w.store.Upsert(ctx, w.def.Table, row, entity.ConflictKey)
	if err != nil {
		rep.fail(w.def.Type, row.ExternalID, fmt.Errorf("%w: %v", ErrWrite, err))
		return
	}
	switch outcome {
	case store.Inserted:
		rep.Result.Created++
	case store.Updated:
		rep.Result.Updated++
	default:
		rep.Result.Upserted++
	}
}

// parentCache memoizes parent existence lookups for one strategy invocation.
type parentCache struct {
	reader store.Reader
	table  string
	seen   map[string]bool
}

func newParentCache(reader store.Reader, table string) *parentCache {
	return &parentCache{reader: reader, table: table, seen: make(map[string]bool)}
}

func (c *parentCache) exists(ctx context.Context, id string) (bool, error) {
	if ok, hit := c.seen[id]; hit {
		return ok, nil
	}
	ok, err := c.reader.Exists(ctx, c.table, id)
	if err != nil {
		return false, fmt.Errorf("check %s %s: %w", c.table, id, err)
	}
	c.seen[id] = ok
	return ok, nil
}

// Direct lists an entity type in one paged walk. When the type has a
// prerequisite, records whose parent is not stored locally are skipped.
type Direct struct {
	worker
	parentTable string
}

// NewDirect creates a Direct strategy for def.
func NewDirect(def entity.Definition, fetch Fetcher, st store.Store) *Direct {
	d := &Direct{worker: worker{def: def, fetch: fetch, store: st, now: time.Now}}
	if def.Parent != "" {
		if parent, ok := entity.Lookup(def.Parent); ok {
			d.parentTable = parent.Table
		}
	}
	return d
}

func (d *Direct) Sync(ctx context.Context, p Params) (Report, error) {
	var rep Report
	records, err := d.fetch.FetchAll(ctx, d.def.Endpoint, d.filters(p, ""))
	if err != nil {
		rep.fail(d.def.Type, "", fmt.Errorf("%w: %v", ErrFetch, err))
		return rep, nil
	}
	rep.Result.Fetched = len(records)

	var parents *parentCache
	if d.parentTable != "" {
		parents = newParentCache(d.store, d.parentTable)
	}
	for _, raw := range records {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		d.apply(ctx, &rep, raw, "", parents)
	}
	return rep, nil
}

// Fanout lists an entity type once per locally stored parent, sequentially.
type Fanout struct {
	worker
	parentTable string
}

// NewFanout creates a Fanout strategy for def.
func NewFanout(def entity.Definition, fetch Fetcher, st store.Store) *Fanout {
	f := &Fanout{worker: worker{def: def, fetch: fetch, store: st, now: time.Now}}
	if parent, ok := entity.Lookup(def.Parent); ok {
		f.parentTable = parent.Table
	}
	return f
}

func (f *Fanout) Sync(ctx context.Context, p Params) (Report, error) {
	var rep Report
	if f.parentTable == "" {
		return rep, fmt.Errorf("%s has no parent table", f.def.Type)
	}
	parents, err := f.store.ExternalIDs(ctx, f.parentTable)
	if err != nil {
		return rep, fmt.Errorf("load %s ids: %w", f.def.Parent, err)
	}

	for _, pid := range parents {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		records, err := f.fetch.FetchAll(ctx, f.def.Endpoint, f.filters(p, pid))
		if err != nil {
			rep.fail(f.def.Type, pid, fmt.Errorf("%w: %v", ErrFetch, err))
			continue
		}
		rep.Result.Fetched += len(records)
		for _, raw := range records {
			f.apply(ctx, &rep, raw, pid, nil)
		}
	}
	return rep, nil
}

// Registry maps every entity type to its strategy.
type Registry map[entity.Type]Strategy

// NewRegistry builds the strategy for every known entity type.
func NewRegistry(fetch Fetcher, st store.Store) Registry {
	reg := make(Registry)
	for _, def := range entity.Definitions() {
		switch def.Kind {
		case entity.Fanout:
			reg[def.Type] = NewFanout(def, fetch, st)
		default:
			reg[def.Type] = NewDirect(def, fetch, st)
		}
	}
	return reg
}
