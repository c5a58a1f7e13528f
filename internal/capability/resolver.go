// Package capability maps a caller's roles to the workflow capabilities
// that gate the HTTP surface, and caches the result per subject.
package capability

import (
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory TTL cache.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a Resolver. A zero TTL disables caching.
func NewResolver(evaluator model.PolicyEvaluator, cfg config.CacheConfig, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		evaluator:  evaluator,
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		metrics:    metrics,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// cacheKey includes the roles so a token carrying new roles is never
// answered from a stale entry.
func cacheKey(rctx *model.RequestContext) string {
	return rctx.SubjectID + "|" + rctx.TenantID + "|" + strings.Join(rctx.Roles, ",")
}

// Resolve returns the capability set for rctx.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	if r.ttl <= 0 {
		r.metrics.RecordCapabilityCacheMiss()
		return r.evaluator.ResolveCapabilities(rctx)
	}

	key := cacheKey(rctx)
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		r.metrics.RecordCapabilityCacheHit()
		return entry.caps, nil
	}
	r.metrics.RecordCapabilityCacheMiss()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evict(now)
	}
	r.cache[key] = cacheEntry{caps: caps, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Invalidate drops every cached entry for subjectID.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + "|"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Flush drops the whole cache, e.g. after the policy file is reloaded.
func (r *Resolver) Flush() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// evict removes expired entries, or the entry closest to expiry when none
// have expired. Callers hold r.mu.
func (r *Resolver) evict(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	removed := false
	for key, e := range r.cache {
		if !now.Before(e.expires) {
			delete(r.cache, key)
			removed = true
			continue
		}
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey, oldest = key, e.expires
		}
	}
	if !removed && oldestKey != "" {
		delete(r.cache, oldestKey)
	}
}
