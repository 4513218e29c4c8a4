package contacts

import (
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/matheus3301/bluebubbles/internal/ttlcache"
)

// Entry is one address-book card.
type Entry struct {
	Name   string
	Phones []string
	Emails []string
}

// BuildMap expands cards into an address → name map: each phone under its
// raw form and every variant, each email lower-cased. Nameless cards are skipped.
func BuildMap(entries []Entry) map[string]string {
	out := make(map[string]string)
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		for _, p := range e.Phones {
			if p == "" {
				continue
			}
			out[p] = e.Name
			for _, v := range Variants(p) {
				out[v] = e.Name
			}
		}
		for _, m := range e.Emails {
			if m != "" {
				out[strings.ToLower(m)] = e.Name
			}
		}
	}
	return out
}

// Resolver maps addresses to names. Lookups are memoized for a TTL; Replace
// drops the memo. It is safe for concurrent use.
type Resolver struct {
	mu    sync.RWMutex
	names map[string]string
	memo  *ttlcache.Cache[string, string]
}

// NewResolver creates an empty resolver. A nil clk uses the wall clock.
func NewResolver(ttl time.Duration, clk clock.Clock) *Resolver {
	return &Resolver{
		names: make(map[string]string),
		memo:  ttlcache.New[string, string](ttl, clk),
	}
}

// Replace swaps in a new address → name map.
func (r *Resolver) Replace(names map[string]string) {
	cp := make(map[string]string, len(names))
	for k, v := range names {
		cp[k] = v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = cp
	r.memo.Purge()
}

// Len returns the number of mapped addresses.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// Name looks address up: exact match, then each variant, then the
// lower-cased form for email addresses.
func (r *Resolver) Name(address string) (string, bool) {
	if name, ok := r.memo.Get(address); ok {
		return name, name != ""
	}

	// Memoize under the read lock so a concurrent Replace cannot purge
	// before a lookup from the old map is stored.
	r.mu.RLock()
	defer r.mu.RUnlock()
	name := r.lookup(address)
	r.memo.Set(address, name)
	return name, name != ""
}

// Display returns the contact name, or the address itself when unknown.
func (r *Resolver) Display(address string) string {
	if name, ok := r.Name(address); ok {
		return name
	}
	return address
}

func (r *Resolver) lookup(address string) string {
	if name, ok := r.names[address]; ok {
		return name
	}
	for _, v := range Variants(address) {
		if name, ok := r.names[v]; ok {
			return name
		}
	}
	if strings.Contains(address, "@") {
		if name, ok := r.names[strings.ToLower(address)]; ok {
			return name
		}
	}
	return ""
}
