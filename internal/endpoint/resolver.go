package endpoint

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// DefaultURL is used when neither an override nor a lookup yields an address.
const DefaultURL = "http://localhost:8000"

// Lookup discovers the studio address from the environment (for example a container inspect).
//
// An error or empty result makes the resolver fall through to its default.
type Lookup func(ctx context.Context) (string, error)

// Options configures a Resolver.
type Options struct {
	// Override wins over every other source when non-empty.
	Override string
	// Lookup is consulted only when set.
	Lookup Lookup
	// Default replaces DefaultURL when non-empty.
	Default string
	Logger  *log.Logger
}

// Resolver resolves the studio base URL once per session and caches it until Invalidate.
type Resolver struct {
	override string
	lookup   Lookup
	fallback string
	logger   *log.Logger

	mu         sync.Mutex
	cached     atomic.Pointer[string]
	generation atomic.Uint64
}

// New builds a Resolver.
func New(opts Options) *Resolver {
	fallback := normalize(opts.Default)
	if fallback == "" {
		fallback = DefaultURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Resolver{
		override: normalize(opts.Override),
		lookup:   opts.Lookup,
		fallback: fallback,
		logger:   logger,
	}
}

// Resolve returns the cached base URL, running override, then lookup, then default on first use.
//
// A result is not cached when Invalidate ran while the chain was in flight.
func (r *Resolver) Resolve(ctx context.Context) string {
	if cached := r.cached.Load(); cached != nil {
		return *cached
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached := r.cached.Load(); cached != nil {
		return *cached
	}

	generation := r.generation.Load()
	resolved := r.resolveChain(ctx)
	if r.generation.Load() == generation {
		r.cached.Store(&resolved)
	}
	return resolved
}

// Invalidate drops the cached URL so the next Resolve re-runs the chain.
func (r *Resolver) Invalidate() {
	r.generation.Add(1)
	r.cached.Store(nil)
}

func (r *Resolver) resolveChain(ctx context.Context) string {
	if r.override != "" {
		r.logger.Debug("studio endpoint from override", "url", r.override)
		return r.override
	}

	if r.lookup != nil {
		found, err := r.lookup(ctx)
		found = normalize(found)
		switch {
		case err != nil:
			r.logger.Debug("studio endpoint lookup failed; using default", "err", err, "url", r.fallback)
		case found == "":
			r.logger.Debug("studio endpoint lookup returned nothing; using default", "url", r.fallback)
		default:
			r.logger.Info("using container address for studio", "url", found)
			return found
		}
	}

	return r.fallback
}

func normalize(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}
