package collab

import (
	"bytes"

	"golang.org/x/time/rate"
)

// budgets are the per-connection rate counters. Each message class gets its
// own window so a presence flood cannot starve deltas and vice versa.
// Exceeding any budget closes the connection.
type budgets struct {
	total    *rate.Limiter
	delta    *rate.Limiter
	presence *rate.Limiter
}

func newBudgets(window float64, total, delta, presence int) *budgets {
	return &budgets{
		total:    rate.NewLimiter(rate.Limit(float64(total)/window), total),
		delta:    rate.NewLimiter(rate.Limit(float64(delta)/window), delta),
		presence: rate.NewLimiter(rate.Limit(float64(presence)/window), presence),
	}
}

func (b *budgets) allowTotal() bool    { return b.total.Allow() }
func (b *budgets) allowDelta() bool    { return b.delta.Allow() }
func (b *budgets) allowPresence() bool { return b.presence.Allow() }

// URI-scheme signatures that must never appear inside an update payload.
// Defense in depth: a delta is opaque CRDT data, so any of these in the raw
// bytes means someone is smuggling markup toward an unsanitized render path.
var disallowedSchemes = [][]byte{
	[]byte("javascript:"),
	[]byte("vbscript:"),
	[]byte("data:text/html"),
}

// containsDisallowedScheme scans raw update bytes case-insensitively for the
// blocked signatures.
func containsDisallowedScheme(raw []byte) bool {
	lowered := bytes.ToLower(raw)
	for _, sig := range disallowedSchemes {
		if bytes.Contains(lowered, sig) {
			return true
		}
	}
	return false
}
