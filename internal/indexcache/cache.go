// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package indexcache stores per-source candidate sets as human-inspectable
// JSON files on disk, with a short-lived in-memory layer in front. An index
// is trusted for selection only while younger than the freshness window.
package indexcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/mediahunt/internal/classify"
)

// DefaultFreshness is how long a stored index stays trusted.
const DefaultFreshness = 30 * time.Minute

// Key identifies one cached candidate set. Season is zero for movies.
type Key struct {
	Title  string `json:"title"`
	Year   int    `json:"year"`
	Season int    `json:"season,omitempty"`
	Source string `json:"source"`
}

func (k Key) String() string {
	if k.Season > 0 {
		return fmt.Sprintf("%s S%02d (%d) @%s", k.Title, k.Season, k.Year, k.Source)
	}
	return fmt.Sprintf("%s (%d) @%s", k.Title, k.Year, k.Source)
}

var unsafeFilenameChars = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// filename encodes the key into a stable, filesystem-safe name. The xxhash
// suffix disambiguates titles that sanitize to the same string.
func (k Key) filename() string {
	title := unsafeFilenameChars.ReplaceAllString(k.Title, "_")
	if len(title) > 80 {
		title = title[:80]
	}

	plain := fmt.Sprintf("%s|%d|%d|%s", k.Title, k.Year, k.Season, k.Source)
	sum := xxhash.Sum64String(plain)

	if k.Season > 0 {
		return fmt.Sprintf("%s.S%02d.%d.%s.%016x.json", title, k.Season, k.Year, k.Source, sum)
	}
	return fmt.Sprintf("%s.%d.%s.%016x.json", title, k.Year, k.Source, sum)
}

// Index is the durable candidate set for one key. Ordered keeps the
// candidates exactly as the source adapter returned them; Buckets groups
// the same candidates by resolution tier for movies and by tier plus
// episode type for TV, so the on-disk JSON stays easy to eyeball.
type Index struct {
	Key       Key                             `json:"key"`
	FetchedAt time.Time                       `json:"fetchedAt"`
	Ordered   []classify.Candidate            `json:"ordered"`
	Buckets   map[string][]classify.Candidate `json:"buckets"`
}

// MovieBucket is the bucket name for a movie tier.
func MovieBucket(tier classify.Tier) string {
	return tier.String()
}

// TVBucket is the bucket name for a TV tier and episode type.
func TVBucket(tier classify.Tier, epType classify.EpisodeType) string {
	return tier.String() + "/" + epType.String()
}

// Candidates returns the source's candidates in adapter insertion order.
// Indexes written before the ordered list existed fall back to a
// deterministic bucket flattening.
func (idx *Index) Candidates() []classify.Candidate {
	if idx == nil {
		return nil
	}
	if len(idx.Ordered) > 0 {
		return idx.Ordered
	}
	var names []string
	for name := range idx.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []classify.Candidate
	for _, name := range names {
		out = append(out, idx.Buckets[name]...)
	}
	return out
}

// Stats summarizes cache contents.
type Stats struct {
	Entries int `json:"entries"`
	Fresh   int `json:"fresh"`
	Stale   int `json:"stale"`
}

// Cache is the on-disk index store. Reads are safe concurrently; writes are
// serialized. Concurrent refreshes of the same key collapse into a single
// in-flight fetch.
type Cache struct {
	dir       string
	freshness time.Duration

	mu    sync.RWMutex
	hot   *ttlcache.Cache[string, *Index]
	group singleflight.Group

	now func() time.Time
}

func New(dir string, freshness time.Duration) (*Cache, error) {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create index cache dir %s: %w", dir, err)
	}

	return &Cache{
		dir:       dir,
		freshness: freshness,
		hot:       ttlcache.New(ttlcache.Options[string, *Index]{}.SetDefaultTTL(freshness)),
		now:       time.Now,
	}, nil
}

func (c *Cache) Close() {
	c.hot.Close()
}

// Freshness returns the configured freshness window.
func (c *Cache) Freshness() time.Duration {
	return c.freshness
}

// Fetch returns the stored index for a key along with whether it is still
// fresh. A missing index returns (nil, false, nil).
func (c *Cache) Fetch(key Key) (*Index, bool, error) {
	name := key.filename()

	if idx, ok := c.hot.Get(name); ok {
		return idx, c.isFresh(idx), nil
	}

	c.mu.RLock()
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	c.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read index %s: %w", name, err)
	}

	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		// A corrupt file is treated as a miss so the next refresh rewrites it.
		log.Warn().Err(err).Str("file", name).Msg("Discarding corrupt index cache file")
		return nil, false, nil
	}

	c.hot.Set(name, &idx, ttlcache.DefaultTTL)
	return &idx, c.isFresh(&idx), nil
}

// Store writes an index to disk, replacing any previous entry for its key.
func (c *Cache) Store(idx *Index) error {
	if idx.FetchedAt.IsZero() {
		idx.FetchedAt = c.now()
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	name := idx.Key.filename()
	path := filepath.Join(c.dir, name)

	c.mu.Lock()
	defer c.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write index %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace index %s: %w", name, err)
	}

	c.hot.Set(name, idx, ttlcache.DefaultTTL)
	return nil
}

// Refresh returns a fresh index for key, fetching via fn when the stored one
// is stale or missing. Concurrent refreshes for the same key share one fetch.
func (c *Cache) Refresh(key Key, fn func() (*Index, error)) (*Index, error) {
	if idx, fresh, err := c.Fetch(key); err == nil && fresh {
		return idx, nil
	}

	v, err, _ := c.group.Do(key.filename(), func() (any, error) {
		// Another caller may have refreshed while we queued.
		if idx, fresh, err := c.Fetch(key); err == nil && fresh {
			return idx, nil
		}

		idx, err := fn()
		if err != nil {
			return nil, err
		}
		if err := c.Store(idx); err != nil {
			return nil, err
		}
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

// Invalidate removes the entry for one key.
func (c *Cache) Invalidate(key Key) error {
	name := key.filename()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.hot.Delete(name)
	if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove index %s: %w", name, err)
	}
	return nil
}

// Flush removes every entry.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read index cache dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		c.hot.Delete(entry.Name())
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err != nil {
			return fmt.Errorf("remove index %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// CleanupExpired deletes stale index files and returns how many were removed.
func (c *Cache) CleanupExpired() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("read index cache dir: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		idx, err := c.readFileLocked(entry.Name())
		if err != nil || !c.isFresh(idx) {
			c.hot.Delete(entry.Name())
			if err := os.Remove(filepath.Join(c.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Stats counts stored entries by freshness.
func (c *Cache) Stats() (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return Stats{}, fmt.Errorf("read index cache dir: %w", err)
	}

	var stats Stats
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		stats.Entries++

		idx, err := c.readFileLocked(entry.Name())
		if err == nil && c.isFresh(idx) {
			stats.Fresh++
		} else {
			stats.Stale++
		}
	}
	return stats, nil
}

func (c *Cache) readFileLocked(name string) (*Index, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

func (c *Cache) isFresh(idx *Index) bool {
	if idx == nil {
		return false
	}
	return c.now().Sub(idx.FetchedAt) <= c.freshness
}
