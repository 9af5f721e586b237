// Package orphan remembers when agent-owned instances without a backing
// contract were first seen, so they are only pruned after a grace period.
package orphan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Tracker is a persisted map of external id to first-seen time.
// A Tracker with an empty path lives in memory only.
type Tracker struct {
	mu        sync.Mutex
	path      string
	firstSeen map[string]time.Time
}

type trackerFile struct {
	FirstSeen map[string]int64 `json:"first_seen"`
}

// Load reads the tracker at path. A missing file yields an empty tracker.
func Load(path string) (*Tracker, error) {
	t := &Tracker{path: path, firstSeen: make(map[string]time.Time)}
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading orphan tracker: %w", err)
	}

	var f trackerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing orphan tracker %s: %w", path, err)
	}
	for id, ts := range f.FirstSeen {
		t.firstSeen[id] = time.Unix(ts, 0)
	}
	return t, nil
}

// Save writes the tracker atomically.
func (t *Tracker) Save() error {
	t.mu.Lock()
	f := trackerFile{FirstSeen: make(map[string]int64, len(t.firstSeen))}
	for id, seen := range t.firstSeen {
		f.FirstSeen[id] = seen.Unix()
	}
	t.mu.Unlock()

	if t.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding orphan tracker: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("creating orphan tracker directory: %w", err)
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing orphan tracker: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("replacing orphan tracker: %w", err)
	}
	return nil
}

// Record notes id as orphaned and returns when it was first seen.
// added is true when id was not tracked before.
func (t *Tracker) Record(id string, now time.Time) (firstSeen time.Time, added bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seen, ok := t.firstSeen[id]; ok {
		return seen, false
	}
	seen := now.Truncate(time.Second)
	t.firstSeen[id] = seen
	return seen, true
}

// Remove forgets id.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.firstSeen, id)
}

// Retain forgets every id not in orphaned and returns the forgotten ids, sorted.
// Instances that gained a contract or disappeared stop counting toward the grace period.
func (t *Tracker) Retain(orphaned map[string]struct{}) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for id := range t.firstSeen {
		if _, ok := orphaned[id]; !ok {
			delete(t.firstSeen, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Expired returns the ids first seen at least grace before now, sorted.
func (t *Tracker) Expired(now time.Time, grace time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, seen := range t.firstSeen {
		if now.Sub(seen) >= grace {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of tracked orphans.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.firstSeen)
}
