package balancer

import (
	"crypto/md5" //nolint:gosec // used for distribution, not security
	"encoding/binary"
	"sync/atomic"

	"github.com/vyrodovalexey/avatraffic/internal/backend"
)

// Strategy picks one backend out of a non-empty candidate set. Strategies
// are called with the engine lock held and may keep scratch state keyed by
// backend ID.
type Strategy interface {
	Name() string
	Select(candidates []*backend.Server, req *RequestContext) *backend.Server
	// Forget drops scratch state of a removed backend.
	Forget(id string)
	// Reset drops all scratch state.
	Reset()
}

// roundRobin rotates a single index over whatever the candidate set is at
// call time.
type roundRobin struct {
	next atomic.Uint64
}

func (r *roundRobin) Name() string { return "round-robin" }

func (r *roundRobin) Select(candidates []*backend.Server, _ *RequestContext) *backend.Server {
	idx := r.next.Add(1) - 1
	return candidates[idx%uint64(len(candidates))]
}

func (r *roundRobin) Forget(string) {}

func (r *roundRobin) Reset() { r.next.Store(0) }

type leastConnections struct{}

func (leastConnections) Name() string { return "least-connections" }

func (leastConnections) Select(candidates []*backend.Server, _ *RequestContext) *backend.Server {
	best := candidates[0]
	for _, s := range candidates[1:] {
		if s.ActiveConnections() < best.ActiveConnections() {
			best = s
		}
	}
	return best
}

func (leastConnections) Forget(string) {}

func (leastConnections) Reset() {}

// weightedRoundRobin is the smooth variant: every call adds each weight to a
// running counter, picks the largest counter and lowers it by the weight
// sum. Zero weights are never picked unless all weights are zero, in which
// case it rotates like plain round robin.
type weightedRoundRobin struct {
	current  map[string]int
	fallback roundRobin
}

func newWeightedRoundRobin() *weightedRoundRobin {
	return &weightedRoundRobin{current: make(map[string]int)}
}

func (w *weightedRoundRobin) Name() string { return "weighted-round-robin" }

func (w *weightedRoundRobin) Select(candidates []*backend.Server, req *RequestContext) *backend.Server {
	total := 0
	for _, s := range candidates {
		total += s.Weight()
	}
	if total <= 0 {
		return w.fallback.Select(candidates, req)
	}

	present := make(map[string]struct{}, len(candidates))
	var best *backend.Server
	for _, s := range candidates {
		present[s.ID] = struct{}{}
		weight := s.Weight()
		if weight <= 0 {
			w.current[s.ID] = 0
			continue
		}
		w.current[s.ID] += weight
		if best == nil || w.current[s.ID] > w.current[best.ID] {
			best = s
		}
	}
	for id := range w.current {
		if _, ok := present[id]; !ok {
			delete(w.current, id)
		}
	}

	w.current[best.ID] -= total
	return best
}

func (w *weightedRoundRobin) Forget(id string) { delete(w.current, id) }

func (w *weightedRoundRobin) Reset() {
	w.current = make(map[string]int)
	w.fallback.Reset()
}

// ipHash maps a client IP onto the candidate set. Membership changes move
// clients between backends.
type ipHash struct{}

func (ipHash) Name() string { return "ip-hash" }

func (ipHash) Select(candidates []*backend.Server, req *RequestContext) *backend.Server {
	var ip string
	if req != nil {
		ip = req.ClientIP
	}
	return candidates[hashIndex(ip, len(candidates))]
}

func (ipHash) Forget(string) {}

func (ipHash) Reset() {}

func hashIndex(key string, n int) int {
	sum := md5.Sum([]byte(key)) //nolint:gosec // distribution only
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}

type leastResponseTime struct{}

func (leastResponseTime) Name() string { return "least-response-time" }

func (leastResponseTime) Select(candidates []*backend.Server, _ *RequestContext) *backend.Server {
	best := candidates[0]
	bestRT := best.AverageResponseTime()
	for _, s := range candidates[1:] {
		if rt := s.AverageResponseTime(); rt < bestRT {
			best, bestRT = s, rt
		}
	}
	return best
}

func (leastResponseTime) Forget(string) {}

func (leastResponseTime) Reset() {}
