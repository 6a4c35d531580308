package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager is an LRU cache of preprocessed image tensors keyed by file
// path. Capacity is measured in bytes of float32 data.
type CacheManager struct {
	mu        sync.Mutex
	entries   map[string]*list.Element
	lru       *list.List
	maxBytes  int64
	usedBytes int64

	// Statistics
	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key  string
	data []float32
}

// NewCacheManager creates a cache holding at most maxBytes of tensor data.
// A non-positive maxBytes disables caching.
func NewCacheManager(maxBytes int64) *CacheManager {
	return &CacheManager{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		maxBytes: maxBytes,
	}
}

func entryBytes(data []float32) int64 {
	return int64(len(data)) * 4
}

// Get retrieves an item from the cache
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).data, true
	}

	cm.misses++
	return nil, false
}

// Put adds an item to the cache, evicting least recently used entries until
// it fits. Items larger than the whole cache are not stored.
func (cm *CacheManager) Put(key string, data []float32) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	size := entryBytes(data)
	if size > cm.maxBytes {
		return
	}

	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		return
	}

	cm.entries[key] = cm.lru.PushFront(&cacheEntry{key: key, data: data})
	cm.usedBytes += size

	for cm.usedBytes > cm.maxBytes {
		oldest := cm.lru.Back()
		if oldest == nil {
			break
		}
		cm.removeElement(oldest)
		cm.evictions++
	}
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	cm.lru.Remove(elem)
	delete(cm.entries, entry.key)
	cm.usedBytes -= entryBytes(entry.data)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Items:     cm.lru.Len(),
		UsedBytes: cm.usedBytes,
		MaxBytes:  cm.maxBytes,
		Hits:      cm.hits,
		Misses:    cm.misses,
		Evictions: cm.evictions,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear drops all entries. Statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.entries = make(map[string]*list.Element)
	cm.lru = list.New()
	cm.usedBytes = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Items     int
	UsedBytes int64
	MaxBytes  int64
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d items, %.1f/%.1f MB, Hits: %d, Misses: %d, Evictions: %d, Hit Rate: %.1f%%",
		cs.Items, float64(cs.UsedBytes)/(1<<20), float64(cs.MaxBytes)/(1<<20),
		cs.Hits, cs.Misses, cs.Evictions, cs.HitRate)
}
