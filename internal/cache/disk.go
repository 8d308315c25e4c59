package cache

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// diskTier stores zstd-compressed narration audio, one file per entry,
// with a gob index persisted alongside.
type diskTier struct {
	dir      string
	capacity int64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex
	size  int64
	index map[string]*diskEntry

	hits   int64
	misses int64
}

type diskEntry struct {
	Key        string
	File       string
	Size       int64 // compressed size on disk
	RawSize    int64
	StoredAt   time.Time
	LastAccess time.Time
}

const indexFile = "narrations.index"

func openDiskTier(dir string, capacity int64) (*diskTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	t := &diskTier{
		dir:      dir,
		capacity: capacity,
		encoder:  encoder,
		decoder:  decoder,
		index:    make(map[string]*diskEntry),
	}

	// A missing or unreadable index means starting empty; orphaned
	// cache files are overwritten as their keys recur.
	if err := t.loadIndex(); err != nil {
		t.index = make(map[string]*diskEntry)
	}
	for _, e := range t.index {
		t.size += e.Size
	}
	return t, nil
}

func (t *diskTier) get(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.index[key]
	if !ok {
		t.misses++
		return nil, false
	}

	data, err := os.ReadFile(filepath.Join(t.dir, entry.File))
	if err != nil {
		t.dropLocked(entry)
		t.misses++
		return nil, false
	}
	pcm, err := t.decoder.DecodeAll(data, nil)
	if err != nil {
		t.dropLocked(entry)
		t.misses++
		return nil, false
	}

	entry.LastAccess = time.Now()
	t.hits++
	return pcm, true
}

func (t *diskTier) put(key string, pcm []byte) error {
	compressed := t.encoder.EncodeAll(pcm, nil)
	size := int64(len(compressed))

	t.mu.Lock()
	defer t.mu.Unlock()

	if size > t.capacity {
		return ErrTooLarge
	}
	if existing, ok := t.index[key]; ok {
		t.dropLocked(existing)
	}
	for t.size+size > t.capacity && len(t.index) > 0 {
		t.evictOldestLocked()
	}

	name := fileName(key)
	if err := writeAtomic(filepath.Join(t.dir, name), compressed); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}

	now := time.Now()
	t.index[key] = &diskEntry{
		Key:        key,
		File:       name,
		Size:       size,
		RawSize:    int64(len(pcm)),
		StoredAt:   now,
		LastAccess: now,
	}
	t.size += size
	return nil
}

// dropLocked removes an entry and its file. Callers hold t.mu.
func (t *diskTier) dropLocked(entry *diskEntry) {
	os.Remove(filepath.Join(t.dir, entry.File))
	delete(t.index, entry.Key)
	t.size -= entry.Size
}

func (t *diskTier) evictOldestLocked() {
	var oldest *diskEntry
	for _, e := range t.index {
		if oldest == nil || e.LastAccess.Before(oldest.LastAccess) {
			oldest = e
		}
	}
	if oldest != nil {
		t.dropLocked(oldest)
	}
}

func (t *diskTier) removeOlderThan(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, e := range t.index {
		if e.StoredAt.Before(cutoff) {
			t.dropLocked(e)
			removed++
		}
	}
	return removed
}

func (t *diskTier) clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.index {
		os.Remove(filepath.Join(t.dir, e.File))
	}
	t.index = make(map[string]*diskEntry)
	t.size = 0
	return t.saveIndexLocked()
}

func (t *diskTier) statsCounts() (size int64, items int, hits, misses int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size, len(t.index), t.hits, t.misses
}

func (t *diskTier) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveIndexLocked()
}

func (t *diskTier) loadIndex() error {
	f, err := os.Open(filepath.Join(t.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(&t.index)
}

func (t *diskTier) saveIndexLocked() error {
	path := filepath.Join(t.dir, indexFile)
	f, err := os.Create(path + ".tmp")
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(t.index); err != nil {
		f.Close()
		os.Remove(path + ".tmp")
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path + ".tmp")
		return err
	}
	return os.Rename(path+".tmp", path)
}

func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16]) + ".pcm.zst"
}

// writeAtomic writes through a temp file and renames into place.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
