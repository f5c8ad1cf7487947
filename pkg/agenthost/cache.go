package agenthost

import (
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// assetCache holds prefetched asset bytes keyed by build and asset path,
// evicting the least recently used entry once full.
type assetCache struct {
	maxBytes int64
	entries  *lru.Cache[string, []byte]
}

func newAssetCache(maxEntries int, maxBytes int64) *assetCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	// New only fails for a non-positive size.
	entries, _ := lru.New[string, []byte](maxEntries)
	return &assetCache{maxBytes: maxBytes, entries: entries}
}

func cacheKey(build, asset string) string {
	return build + ":" + filepath.Clean(asset)
}

// warm reads each asset below dir into the cache and returns how many were
// loaded. Missing, oversized or escaping assets are skipped.
func (c *assetCache) warm(dir string, assets []string) int {
	build := filepath.Base(dir)
	loaded := 0
	for _, a := range assets {
		clean := filepath.Clean(a)
		if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			continue
		}
		path := filepath.Join(dir, clean)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.Size() > c.maxBytes {
			continue
		}
		data, err := os.ReadFile(path) //nolint:gosec // confined to the release directory above
		if err != nil {
			continue
		}
		c.entries.Add(cacheKey(build, clean), data)
		loaded++
	}
	return loaded
}

// get returns a cached asset of build and marks it recently used.
func (c *assetCache) get(build, asset string) ([]byte, bool) {
	return c.entries.Get(cacheKey(build, asset))
}

func (c *assetCache) len() int {
	return c.entries.Len()
}
