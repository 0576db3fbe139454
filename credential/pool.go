// Package credential manages the pool of provider API keys used during a
// translation run: load-balanced selection, rotation away from failing keys,
// and per-key usage accounting.
package credential

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// errorRateWeight scales the error rate in the selection score so that a key
// with a poor track record loses to a busier but healthy one.
const errorRateWeight = 10

// unhealthyErrorRate is the error rate above which the best-scored key is
// bypassed in favour of round-robin selection.
const unhealthyErrorRate = 0.5

// ErrNoCredentials is returned when a pool is created without any keys.
var ErrNoCredentials = errors.New("no API keys configured")

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Usage is a point-in-time snapshot of one key's counters.
type Usage struct {
	Index  int    `yaml:"index" json:"index"`
	Label  string `yaml:"label" json:"label"`
	Masked string `yaml:"key" json:"key"`
	Usage  int    `yaml:"usage" json:"usage"`
	Errors int    `yaml:"errors" json:"errors"`
}

// ErrorRate returns errors/usage, or 0 for an unused key.
func (u Usage) ErrorRate() float64 {
	if u.Usage == 0 {
		return 0
	}
	return float64(u.Errors) / float64(u.Usage)
}

type entry struct {
	key    string
	usage  int
	errors int
}

// Pool is a fixed set of API keys with usage and error counters.
// The key set never changes after NewPool; counters only grow.
type Pool struct {
	mu      sync.Mutex
	entries []entry
	cursor  int
}

// NewPool builds a pool from the given keys, in order.
func NewPool(keys []string) (*Pool, error) {
	if len(keys) == 0 {
		return nil, ErrNoCredentials
	}
	p := &Pool{entries: make([]entry, len(keys))}
	for i, k := range keys {
		p.entries[i] = entry{key: k}
	}
	return p, nil
}

// ParseKeys splits a comma-separated key list, trimming blanks.
func ParseKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// ---------------------------------------------------------------------------
// Selection
// ---------------------------------------------------------------------------

// Len returns the number of keys in the pool.
func (p *Pool) Len() int {
	return len(p.entries)
}

// Key returns the raw key at index i.
func (p *Pool) Key(i int) string {
	return p.entries[i].key
}

// Label returns the display name of key i ("Key-1", "Key-2", ...).
func (p *Pool) Label(i int) string {
	return fmt.Sprintf("Key-%d", i+1)
}

// Select returns the index of the key to use next.
//
// Each key is scored as usage + 10*errorRate and the lowest score wins, ties
// going to the lowest index. When the winner's error rate exceeds 0.5 the
// pool falls back to round-robin.
func (p *Pool) Select() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectLocked()
}

func (p *Pool) selectLocked() int {
	if len(p.entries) == 1 {
		return 0
	}

	best := 0
	bestScore := score(p.entries[0])
	for i := 1; i < len(p.entries); i++ {
		if s := score(p.entries[i]); s < bestScore {
			best, bestScore = i, s
		}
	}

	if errorRate(p.entries[best]) > unhealthyErrorRate {
		p.cursor = (p.cursor + 1) % len(p.entries)
		return p.cursor
	}
	return best
}

// SelectOther is Select, except that it never returns current while the pool
// has more than one key.
func (p *Pool) SelectOther(current int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.selectLocked()
	if next == current && len(p.entries) > 1 {
		next = (current + 1) % len(p.entries)
	}
	return next
}

// Record counts one attempt against key i.
func (p *Pool) Record(i int, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries[i].usage++
	if !success {
		p.entries[i].errors++
	}
}

// Usage returns a snapshot of every key's counters.
func (p *Pool) Usage() []Usage {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Usage, len(p.entries))
	for i, e := range p.entries {
		out[i] = Usage{
			Index:  i,
			Label:  p.Label(i),
			Masked: MaskKey(e.key),
			Usage:  e.usage,
			Errors: e.errors,
		}
	}
	return out
}

func errorRate(e entry) float64 {
	if e.usage == 0 {
		return 0
	}
	return float64(e.errors) / float64(e.usage)
}

func score(e entry) float64 {
	return float64(e.usage) + errorRateWeight*errorRate(e)
}

// MaskKey returns a masked version of a key for display.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
