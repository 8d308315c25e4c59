// Package cache stores the audio of completed narrations so replaying a
// scene does not cost another synthesis session. Two tiers: an in-memory
// LRU for the current run and a compressed on-disk tier that survives
// restarts.
package cache

import (
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

// ErrTooLarge is returned when a narration exceeds a tier's capacity.
var ErrTooLarge = errors.New("narration too large for cache")

const (
	// DefaultMemoryCapacity bounds the in-memory tier.
	DefaultMemoryCapacity = 64 << 20
	// DefaultDiskCapacity bounds the on-disk tier.
	DefaultDiskCapacity = 512 << 20
	// DefaultMaxAge is how long disk entries are kept.
	DefaultMaxAge = 14 * 24 * time.Hour
)

// Stats reports the cache's current occupancy and hit counters.
type Stats struct {
	MemorySize  int64
	MemoryItems int
	DiskSize    int64
	DiskItems   int
	Hits        int64
	Misses      int64
}

// Narrations is the two-tier narration audio cache. Keys are the scene
// id plus the narration voice: a different voice is a different
// narration. Safe for concurrent use.
type Narrations struct {
	mem  *memoryTier
	disk *diskTier // nil when the cache runs memory-only
}

// Open creates a cache with a disk tier rooted at dir. An empty dir
// disables the disk tier.
func Open(dir string, memCapacity, diskCapacity int64) (*Narrations, error) {
	n := &Narrations{mem: newMemoryTier(memCapacity)}
	if dir == "" {
		return n, nil
	}
	disk, err := openDiskTier(dir, diskCapacity)
	if err != nil {
		return nil, err
	}
	disk.removeOlderThan(time.Now().Add(-DefaultMaxAge))
	n.disk = disk
	return n, nil
}

// key joins the scene and voice into one cache key. The unit separator
// cannot appear in either component.
func key(sceneID, voice string) string {
	return sceneID + "\x1f" + voice
}

// Get returns the cached narration audio for a scene and voice. A disk
// hit is promoted into the memory tier.
func (n *Narrations) Get(sceneID, voice string) ([]byte, bool) {
	k := key(sceneID, voice)

	if pcm, ok := n.mem.get(k); ok {
		log.Debug("narration cache hit", "tier", "memory", "scene", sceneID, "size", humanize.Bytes(uint64(len(pcm))))
		return pcm, true
	}
	if n.disk == nil {
		return nil, false
	}

	pcm, ok := n.disk.get(k)
	if !ok {
		return nil, false
	}
	log.Debug("narration cache hit", "tier", "disk", "scene", sceneID, "size", humanize.Bytes(uint64(len(pcm))))
	if err := n.mem.put(k, pcm); err != nil {
		log.Debug("promotion to memory tier skipped", "scene", sceneID, "err", err)
	}
	return pcm, true
}

// Put stores a completed narration in both tiers. Failures are logged,
// not returned: caching is advisory and playback already succeeded.
func (n *Narrations) Put(sceneID, voice string, pcm []byte) {
	k := key(sceneID, voice)

	if err := n.mem.put(k, pcm); err != nil {
		log.Warn("narration not cached in memory", "scene", sceneID, "err", err)
	}
	if n.disk == nil {
		return
	}
	if err := n.disk.put(k, pcm); err != nil {
		log.Warn("narration not cached on disk", "scene", sceneID, "err", err)
		return
	}
	log.Debug("narration cached", "scene", sceneID, "voice", voice, "size", humanize.Bytes(uint64(len(pcm))))
}

// Clear empties both tiers.
func (n *Narrations) Clear() error {
	n.mem.clear()
	if n.disk == nil {
		return nil
	}
	return n.disk.clear()
}

// Stats returns current occupancy and hit counters across both tiers.
func (n *Narrations) Stats() Stats {
	s := Stats{}
	memSize, memItems, memHits, memMisses := n.mem.stats()
	s.MemorySize, s.MemoryItems = memSize, memItems
	s.Hits, s.Misses = memHits, memMisses
	if n.disk != nil {
		diskSize, diskItems, diskHits, diskMisses := n.disk.statsCounts()
		s.DiskSize, s.DiskItems = diskSize, diskItems
		s.Hits += diskHits
		s.Misses += diskMisses
	}
	return s
}

// Close persists the disk tier's index.
func (n *Narrations) Close() error {
	if n.disk == nil {
		return nil
	}
	return n.disk.close()
}
