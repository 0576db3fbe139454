// Package cache implements the translation cache: a content-addressed map
// from (source text, target language) to translated text. Identical inputs
// are never sent to the provider twice, across runs.
//
// The whole cache is loaded at start and written back as a single snapshot.
package cache

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// DefaultPath is the cache location relative to the project root.
const DefaultPath = ".github/translation-cache/translations.json"

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

// Hash computes the MD5 hex digest of a string.
func Hash(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}

// Key returns the cache key for text translated into lang:
// "<lang>_<md5(text + lang)>".
func Key(text, lang string) string {
	return lang + "_" + Hash(text+lang)
}

// ---------------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------------

// Store persists a cache snapshot.
type Store interface {
	// Load returns the stored entries. A store that does not exist yet
	// returns an empty map and no error.
	Load() (map[string]string, error)
	// Save replaces the stored snapshot with entries.
	Save(entries map[string]string) error
	// Location describes where the snapshot lives, for logs.
	Location() string
}

// Cache is the in-memory translation cache backed by a Store.
type Cache struct {
	mu      sync.Mutex
	entries map[string]string
	store   Store
	refresh bool
	dirty   bool
	logger  log.FieldLogger
}

// Open loads the cache from store. A missing or unreadable snapshot yields an
// empty cache and a warning; it never fails the run.
func Open(store Store, logger log.FieldLogger) *Cache {
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &Cache{
		entries: make(map[string]string),
		store:   store,
		logger:  logger,
	}

	entries, err := store.Load()
	if err != nil {
		logger.WithError(err).Warnf("Could not load translation cache from %s, starting empty", store.Location())
		return c
	}
	if entries != nil {
		c.entries = entries
	}
	logger.Debugf("Loaded %d cached translations from %s", len(c.entries), store.Location())
	return c
}

// SetRefresh makes Get always miss. Put still records results.
func (c *Cache) SetRefresh(refresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresh = refresh
}

// Get returns the cached translation of text into lang.
func (c *Cache) Get(text, lang string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refresh {
		return "", false
	}
	v, ok := c.entries[Key(text, lang)]
	return v, ok
}

// Put records the translation of text into lang.
func (c *Cache) Put(text, lang, translated string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[Key(text, lang)] = translated
	c.dirty = true
}

// Has reports whether an entry with the given cache key exists.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Len returns the number of cached translations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush writes the full snapshot to the store.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Save(c.entries); err != nil {
		return fmt.Errorf("saving translation cache to %s: %w", c.store.Location(), err)
	}
	c.dirty = false
	return nil
}

// Dirty reports whether entries were added since the last Flush.
func (c *Cache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Prune removes every entry whose key is not in live and returns the number
// of entries removed.
func (c *Cache) Prune(live map[string]bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if !live[k] {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.dirty = true
	}
	return removed
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats returns the number of cached entries per language, derived from the
// key prefix.
func (c *Cache) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make(map[string]int)
	for k := range c.entries {
		lang, _, ok := strings.Cut(k, "_")
		if !ok {
			lang = "?"
		}
		stats[lang]++
	}
	return stats
}

// Summary returns a human-readable summary string.
func (c *Cache) Summary() string {
	stats := c.Stats()
	if len(stats) == 0 {
		return "empty"
	}

	langs := make([]string, 0, len(stats))
	total := 0
	for l, n := range stats {
		langs = append(langs, l)
		total += n
	}
	sort.Strings(langs)

	parts := make([]string, 0, len(langs))
	for _, l := range langs {
		parts = append(parts, fmt.Sprintf("%s: %d", l, stats[l]))
	}
	return fmt.Sprintf("%d entries (%s)", total, strings.Join(parts, ", "))
}
