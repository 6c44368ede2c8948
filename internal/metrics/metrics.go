// Package metrics implements the two-scope counter table from §4 of the
// data model: OWN counters set by the owning layer, GROUP counters rolled
// up from children, dirty-tracked so only changed entries are synced to
// the artifact store.
package metrics

import (
	"sync"

	"github.com/lightlogic-io/gator/internal/gatortype"
	"github.com/lightlogic-io/gator/internal/store"
)

type key struct {
	scope gatortype.MetricScope
	name  string
}

// Register holds the live (scope, name) -> value table for one layer. It
// is safe for concurrent use: the heartbeat loop reads it while handlers
// from other goroutines (stdio readers, RPC update handlers) write it.
type Register struct {
	mu     sync.Mutex
	values map[key]int64
	dirty  map[key]bool
}

// New returns an empty Register.
func New() *Register {
	return &Register{
		values: map[key]int64{},
		dirty:  map[key]bool{},
	}
}

// SetOwn overwrites this layer's own counter for name.
func (r *Register) SetOwn(name string, value int64) { r.set(gatortype.ScopeOwn, name, value) }

// SetGroup overwrites the rolled-up counter for name, sourced from
// children's OWN counters of the same name.
func (r *Register) SetGroup(name string, value int64) { r.set(gatortype.ScopeGroup, name, value) }

// AddOwn increments this layer's own counter for name by delta.
func (r *Register) AddOwn(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{gatortype.ScopeOwn, name}
	r.values[k] += delta
	r.dirty[k] = true
}

func (r *Register) set(scope gatortype.MetricScope, name string, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{scope, name}
	if r.values[k] == value {
		return
	}
	r.values[k] = value
	r.dirty[k] = true
}

// GetOwn returns this layer's own counter for name (0 if unset).
func (r *Register) GetOwn(name string) int64 { return r.get(gatortype.ScopeOwn, name) }

// GetGroup returns the rolled-up counter for name (0 if unset).
func (r *Register) GetGroup(name string) int64 { return r.get(gatortype.ScopeGroup, name) }

func (r *Register) get(scope gatortype.MetricScope, name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[key{scope, name}]
}

// DumpOwn returns a copy of every OWN counter, the input a heartbeat folds
// into its Summary.Metrics map.
func (r *Register) DumpOwn() map[string]int64 { return r.dump(gatortype.ScopeOwn) }

// DumpGroup returns a copy of every GROUP counter.
func (r *Register) DumpGroup() map[string]int64 { return r.dump(gatortype.ScopeGroup) }

func (r *Register) dump(scope gatortype.MetricScope) map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int64{}
	for k, v := range r.values {
		if k.scope == scope {
			out[k.name] = v
		}
	}
	return out
}

// MergeGroup folds a child's OWN metric dump into this layer's GROUP
// scope by name, adopting unseen names at 0 before adding — the
// cross-child aggregation rule is additive and normative per §9.
func (r *Register) MergeGroup(childOwn map[string]int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, val := range childOwn {
		k := key{gatortype.ScopeGroup, name}
		if _, ok := r.values[k]; !ok {
			r.values[k] = 0
		}
		r.values[k] += val
		r.dirty[k] = true
	}
}

// Sync writes every dirty entry to the store's Metric table, registering
// a new row for a name seen for the first time and updating an existing
// row otherwise, then clears the dirty set.
func (r *Register) Sync(s *store.Store) error {
	r.mu.Lock()
	type pending struct {
		k   key
		val int64
	}
	var toSync []pending
	for k := range r.dirty {
		toSync = append(toSync, pending{k, r.values[k]})
	}
	r.mu.Unlock()

	if len(toSync) == 0 {
		return nil
	}

	for _, p := range toSync {
		existing, err := store.Get[gatortype.Metric](s,
			store.Where(store.Exact("scope", string(p.k.scope)), store.Exact("name", p.k.name)))
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			if _, err := store.Push(s, &gatortype.Metric{Scope: p.k.scope, Name: p.k.name, Value: p.val}); err != nil {
				return err
			}
		} else {
			row := existing[0]
			row.Value = p.val
			if err := store.Update(s, &row); err != nil {
				return err
			}
		}
	}

	r.mu.Lock()
	for _, p := range toSync {
		delete(r.dirty, p.k)
	}
	r.mu.Unlock()
	return nil
}
