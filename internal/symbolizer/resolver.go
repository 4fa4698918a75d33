package symbolizer

import (
	"log/slog"
	"slices"
	"sync"
)

// Resolver is the entry point for symbolization. It is constructed once at
// startup around the selected Backend and shared by reference. All backend
// work happens under a single lock, and every address resolved is cached for
// the life of the process; binaries are assumed not to change while mapped.
type Resolver struct {
	mu      sync.Mutex
	backend Backend
	cache   map[uint64]ResolvedTrace
	metrics *Metrics
}

func NewResolver(backend Backend, metrics *Metrics) *Resolver {
	return &Resolver{
		backend: backend,
		cache:   make(map[uint64]ResolvedTrace),
		metrics: metrics,
	}
}

func (r *Resolver) Backend() string { return r.backend.Name() }

// Resolve returns one source location per address, in input order.
func (r *Resolver) Resolve(addrs []uint64) []SourceLocation {
	traces := r.ResolveTraces(addrs)
	locs := make([]SourceLocation, len(traces))
	for i, t := range traces {
		locs[i] = t.Source
	}
	return locs
}

// ResolveTraces returns one fully resolved trace per address, in input order.
// The Index of each result is its position in addrs.
func (r *Resolver) ResolveTraces(addrs []uint64) []ResolvedTrace {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ResolvedTrace, len(addrs))
	if len(addrs) == 0 {
		return out
	}
	r.backend.LoadAddresses(addrs)
	for i, addr := range addrs {
		res, ok := r.cache[addr]
		if ok {
			if r.metrics != nil {
				r.metrics.CacheHits.Inc()
			}
		} else {
			if r.metrics != nil {
				r.metrics.CacheMisses.Inc()
			}
			res = r.resolve(NewResolvedTrace(addr, i))
			r.cache[addr] = res
		}
		res.Index = i
		res.Inliners = slices.Clone(res.Inliners)
		out[i] = res
	}
	return out
}

func (r *Resolver) resolve(t ResolvedTrace) ResolvedTrace {
	res := r.callBackend(t)
	res.Trace = t.Trace
	if !res.Source.Known() && res.ObjectFunction == "" && r.metrics != nil {
		r.metrics.UnknownTraces.WithLabelValues(r.backend.Name()).Inc()
	}
	return res
}

// callBackend turns a backend panic into an unresolved trace.
func (r *Resolver) callBackend(t ResolvedTrace) (res ResolvedTrace) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Recovered from panic in symbolization backend", "backend", r.backend.Name(), "addr", t.Addr, "panic", p)
			if r.metrics != nil {
				r.metrics.BackendPanics.WithLabelValues(r.backend.Name()).Inc()
			}
			res = t
		}
	}()
	return r.backend.Resolve(t)
}

// Len reports the number of distinct addresses cached so far.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
