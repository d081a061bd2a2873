// Package subs tracks which symbols the process wants from the upstream
// broker. Many fanout clients can want the same symbol; the registry
// refcounts them and only crosses the upstream boundary on 0→1 and 1→0
// transitions. Invariant: an entry exists iff its refcount >= 1, and the
// upstream is subscribed iff the entry exists.
package subs

import (
	"log/slog"
	"sort"
	"sync"
)

// Upstream is the half of the feed supervisor the registry drives.
type Upstream interface {
	SubscribeUpstream(keys []string)
	UnsubscribeUpstream(keys []string)
}

// Registry is the canonical refcounted symbol set. Safe for concurrent use;
// in practice all mutation comes from the fanout server loop.
type Registry struct {
	mu       sync.Mutex
	refs     map[string]int
	upstream Upstream
	logger   *slog.Logger
}

// New creates a registry that forwards edge transitions to upstream.
func New(upstream Upstream, logger *slog.Logger) *Registry {
	return &Registry{
		refs:     make(map[string]int),
		upstream: upstream,
		logger:   logger.With("component", "subs"),
	}
}

// Add increments the refcount for a canonical key. On 0→1 the upstream is
// told to subscribe. Returns the new count.
func (r *Registry) Add(key string) int {
	r.mu.Lock()
	r.refs[key]++
	count := r.refs[key]
	r.mu.Unlock()

	if count == 1 {
		r.logger.Debug("upstream subscribe", "symbol", key)
		r.upstream.SubscribeUpstream([]string{key})
	}
	return count
}

// Remove decrements the refcount. On 1→0 the entry is removed and the
// upstream told to unsubscribe. Decrements below zero are ignored.
func (r *Registry) Remove(key string) int {
	r.mu.Lock()
	count, ok := r.refs[key]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	count--
	if count <= 0 {
		delete(r.refs, key)
		count = 0
	} else {
		r.refs[key] = count
	}
	r.mu.Unlock()

	if count == 0 {
		r.logger.Debug("upstream unsubscribe", "symbol", key)
		r.upstream.UnsubscribeUpstream([]string{key})
	}
	return count
}

// ActiveSymbols returns the sorted set of symbols with refcount >= 1.
func (r *Registry) ActiveSymbols() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.refs))
	for k := range r.refs {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// RefCount returns the current count for a key (0 if absent).
func (r *Registry) RefCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[key]
}

// Snapshot returns a copy of the full refcount map.
func (r *Registry) Snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.refs))
	for k, v := range r.refs {
		out[k] = v
	}
	return out
}

// FlushPending re-sends the full active set upstream. Called by the feed
// supervisor after a successful reconnect, when the broker has forgotten
// everything we ever asked for.
func (r *Registry) FlushPending() {
	active := r.ActiveSymbols()
	if len(active) == 0 {
		return
	}
	r.logger.Info("re-subscribing active set", "symbols", len(active))
	r.upstream.SubscribeUpstream(active)
}
