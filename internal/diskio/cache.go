package diskio

import (
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/edsrzf/mmap-go"
)

// segmentSize is the granularity at which file regions are mapped into the
// read cache. Reads spanning multiple segments touch the cache once per
// segment.
const segmentSize = 4 << 20

type segmentKey struct {
	path   string
	segIdx int64
}

type segment struct {
	mapping mmap.MMap
	base    int64 // file offset this segment starts at
}

// readCache is an LRU of mmap'd file segments shared across a Store's
// files, used to serve ReadPiece without a syscall once a segment is
// resident.
type readCache struct {
	log   *slog.Logger
	mu    sync.Mutex
	files map[string]*datafile
	lru   *lru.Cache[segmentKey, *segment]
}

func newReadCache(files []*datafile, capacity int, log *slog.Logger) (*readCache, error) {
	if capacity <= 0 {
		capacity = 1
	}

	byPath := make(map[string]*datafile, len(files))
	for _, f := range files {
		byPath[f.path] = f
	}

	rc := &readCache{log: log, files: byPath}

	c, err := lru.NewWithEvict[segmentKey, *segment](capacity, func(_ segmentKey, seg *segment) {
		seg.mapping.Unmap()
	})
	if err != nil {
		return nil, fmt.Errorf("diskio: new read cache: %w", err)
	}
	rc.lru = c

	return rc, nil
}

// readAt reads a byte range of a single file through the mmap cache,
// falling back to a direct read for any segment that cannot be mapped
// (e.g. zero-length files, or a read crossing the final partial page).
func (rc *readCache) readAt(file *datafile, offset int64, buf []byte) error {
	remaining := buf
	pos := offset

	for len(remaining) > 0 {
		segIdx := pos / segmentSize
		segBase := segIdx * segmentSize
		segOff := pos - segBase

		seg, err := rc.segment(file, segIdx, segBase)
		if err != nil {
			n, rerr := file.f.ReadAt(remaining, pos)
			if rerr != nil && n == 0 {
				return rerr
			}
			return nil
		}

		n := copy(remaining, seg.mapping[segOff:])
		remaining = remaining[n:]
		pos += int64(n)
	}

	return nil
}

func (rc *readCache) segment(file *datafile, segIdx, segBase int64) (*segment, error) {
	key := segmentKey{path: file.path, segIdx: segIdx}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if seg, ok := rc.lru.Get(key); ok {
		return seg, nil
	}

	length := segmentSize
	if segBase+int64(length) > file.offset+file.length {
		length = int(file.offset + file.length - segBase)
	}
	if length <= 0 {
		return nil, fmt.Errorf("diskio: empty segment for %s", file.path)
	}

	m, err := mmap.MapRegion(file.f, length, mmap.RDONLY, 0, segBase)
	if err != nil {
		return nil, fmt.Errorf("diskio: mmap %s: %w", file.path, err)
	}

	seg := &segment{mapping: m, base: segBase}
	rc.lru.Add(key, seg)

	return seg, nil
}

// invalidateRange drops any cached segments overlapping [start, end) of the
// torrent's flat address space so a freshly written piece isn't served
// stale mmap'd bytes.
func (rc *readCache) invalidateRange(start, end int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, key := range rc.lru.Keys() {
		file, ok := rc.files[key.path]
		if !ok {
			continue
		}

		segBase := file.offset + key.segIdx*segmentSize
		segEnd := segBase + segmentSize
		if segBase < end && start < segEnd {
			rc.lru.Remove(key)
		}
	}
}

// Close unmaps every cached segment.
func (rc *readCache) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lru.Purge()
}
