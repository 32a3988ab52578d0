package location

import (
	"encoding/json"
	"os"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vburojevic/apptrack/internal/domain"
)

// Cache persists the last successful snapshot to disk so back-to-back
// sessions do not hammer the rate-limited IP providers. Keyed globally:
// one agent per machine, one cached location.
type Cache struct {
	path  string
	ttl   time.Duration
	clock clock.Clock
}

type cacheFile struct {
	CachedAt int64                    `json:"cached_at"` // unix seconds
	Location *domain.LocationSnapshot `json:"location"`
}

// NewCache creates a file-backed cache at path with the given TTL.
func NewCache(path string, ttl time.Duration, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{path: path, ttl: ttl, clock: clk}
}

// Load returns the cached snapshot, or nil when missing, expired or
// unreadable. Never returns an error; a broken cache is just a miss.
func (c *Cache) Load() *domain.LocationSnapshot {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil
	}
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil
	}
	if f.Location == nil || f.Location.Empty() {
		return nil
	}
	if c.clock.Now().Unix()-f.CachedAt > int64(c.ttl.Seconds()) {
		return nil
	}
	return f.Location
}

// Save writes the snapshot with the current timestamp. Failures are
// ignored; caching is an optimization, not a requirement.
func (c *Cache) Save(loc *domain.LocationSnapshot) {
	if loc == nil || loc.Empty() {
		return
	}
	data, err := json.MarshalIndent(cacheFile{CachedAt: c.clock.Now().Unix(), Location: loc}, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(c.path, data, 0o644)
}
