package cache

import (
	"container/list"
	"sync"
)

// memoryTier is an LRU over raw narration audio, bounded by total bytes.
type memoryTier struct {
	capacity int64

	mu      sync.Mutex
	size    int64
	items   map[string]*list.Element
	recency *list.List

	hits   int64
	misses int64
}

type memoryEntry struct {
	key  string
	pcm  []byte
	size int64
}

func newMemoryTier(capacity int64) *memoryTier {
	return &memoryTier{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		recency:  list.New(),
	}
}

func (t *memoryTier) get(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.items[key]
	if !ok {
		t.misses++
		return nil, false
	}
	t.recency.MoveToFront(elem)
	t.hits++
	return elem.Value.(*memoryEntry).pcm, true
}

func (t *memoryTier) put(key string, pcm []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := int64(len(pcm))
	if size > t.capacity {
		return ErrTooLarge
	}

	if elem, ok := t.items[key]; ok {
		entry := elem.Value.(*memoryEntry)
		t.size += size - entry.size
		entry.pcm = pcm
		entry.size = size
		t.recency.MoveToFront(elem)
		return nil
	}

	for t.size+size > t.capacity && t.recency.Len() > 0 {
		t.evictOldestLocked()
	}

	elem := t.recency.PushFront(&memoryEntry{key: key, pcm: pcm, size: size})
	t.items[key] = elem
	t.size += size
	return nil
}

func (t *memoryTier) evictOldestLocked() {
	elem := t.recency.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*memoryEntry)
	t.recency.Remove(elem)
	delete(t.items, entry.key)
	t.size -= entry.size
}

func (t *memoryTier) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = make(map[string]*list.Element)
	t.recency.Init()
	t.size = 0
}

func (t *memoryTier) stats() (size int64, items int, hits, misses int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size, len(t.items), t.hits, t.misses
}
