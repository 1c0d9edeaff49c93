// Package resolver maps possibly-aliased agent identifiers to canonical ids.
//
// Agents get renamed; task text, stored schedules and older callers keep
// referencing the historical names. The resolver absorbs those legacy
// references so the rest of the system deals only in canonical ids.
package resolver

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"conductor/internal/logging"
)

// Resolver resolves raw agent references to canonical identities.
type Resolver interface {
	// ResolveCanonicalAgentID maps a raw, possibly aliased or legacy
	// identifier to its canonical agent id.
	ResolveCanonicalAgentID(ctx context.Context, raw string) (string, error)
	// DisplayName returns a human-readable name for a canonical id.
	DisplayName(canonicalID string) string
}

// LookupFunc consults a dynamic agent directory for an alias. It returns
// the canonical id, or "" when the directory has no entry.
type LookupFunc func(ctx context.Context, raw string) (string, error)

// Static resolves through a fixed alias table, an optional dynamic lookup,
// and an LRU cache over dynamic results.
type Static struct {
	aliases      map[string]string
	displayNames map[string]string
	lookup       LookupFunc
	cache        *lru.Cache[string, string]
	logger       logging.Logger
}

const dynamicCacheSize = 256

// NewStatic builds a resolver. aliases maps historical names to canonical
// ids; displayNames maps canonical ids to labels; lookup is optional.
func NewStatic(aliases, displayNames map[string]string, lookup LookupFunc, logger logging.Logger) *Static {
	cache, _ := lru.New[string, string](dynamicCacheSize)
	normalized := make(map[string]string, len(aliases))
	for alias, canonical := range aliases {
		normalized[normalize(alias)] = canonical
	}
	return &Static{
		aliases:      normalized,
		displayNames: displayNames,
		lookup:       lookup,
		cache:        cache,
		logger:       logging.OrNop(logger),
	}
}

func normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ResolveCanonicalAgentID implements Resolver. Unknown identifiers resolve
// to themselves: an id the directory has never heard of is still a valid
// target, and the circuit breaker copes with it being wrong.
func (r *Static) ResolveCanonicalAgentID(ctx context.Context, raw string) (string, error) {
	key := normalize(raw)
	if key == "" {
		return "", nil
	}

	if canonical, ok := r.aliases[key]; ok {
		if canonical != key {
			r.logger.Debug("resolved alias %q to %q", raw, canonical)
		}
		return canonical, nil
	}

	if canonical, ok := r.cache.Get(key); ok {
		return canonical, nil
	}

	if r.lookup != nil {
		canonical, err := r.lookup(ctx, key)
		if err != nil {
			return "", err
		}
		if canonical != "" {
			r.cache.Add(key, canonical)
			r.logger.Debug("directory resolved %q to %q", raw, canonical)
			return canonical, nil
		}
	}

	return key, nil
}

// DisplayName implements Resolver.
func (r *Static) DisplayName(canonicalID string) string {
	if name, ok := r.displayNames[canonicalID]; ok {
		return name
	}
	return canonicalID
}
