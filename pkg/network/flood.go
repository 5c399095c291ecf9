package network

import (
	"time"

	"golang.org/x/time/rate"
)

const floodIdleExpiry = time.Minute

type floodEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// floodGuard rate limits unsolicited open-connection requests per IP. It is
// only used from the network goroutine.
type floodGuard struct {
	limit     rate.Limit
	burst     int
	entries   map[string]*floodEntry
	lastPrune time.Time
}

func newFloodGuard(perSecond float64, burst int) *floodGuard {
	return &floodGuard{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*floodEntry),
	}
}

// allow reports whether ip may open another slot at now.
func (g *floodGuard) allow(ip string, now time.Time) bool {
	g.prune(now)

	e, ok := g.entries[ip]
	if !ok {
		e = &floodEntry{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.entries[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (g *floodGuard) prune(now time.Time) {
	if now.Sub(g.lastPrune) < floodIdleExpiry {
		return
	}
	g.lastPrune = now
	for ip, e := range g.entries {
		if now.Sub(e.lastSeen) >= floodIdleExpiry {
			delete(g.entries, ip)
		}
	}
}

func (g *floodGuard) reset() {
	g.entries = make(map[string]*floodEntry)
	g.lastPrune = time.Time{}
}
