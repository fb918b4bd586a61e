package streamfile

import (
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"
)

// Cache is a sparse, seekable byte buffer. It partitions the virtual file
// into an ordered list of empty and filled segments, keeps independent read
// and write cursors over the partition, and bounds its memory use by
// evicting the least recently read segments outside the hot readahead
// window.
//
// Cache is not safe for concurrent use; the owning Stream serializes access.
type Cache struct {
	list     *segList
	readOff  int64
	writeOff int64
	readCur  segIdx
	writeCur segIdx

	chunkSize int64
	cacheSize int64 // soft cap on filled bytes, 0 = unbounded
	clock     uint64
	filled    int64

	// pages tracks which chunk-size pages are fully populated, so finding
	// the first missing byte doesn't require walking the whole partition.
	pages *roaring.Bitmap

	// Metrics, when set, receives eviction counters.
	Metrics MetricsCollector
}

// NewCache creates a cache with the given readahead window and soft size
// cap. cacheSize 0 means unbounded.
func NewCache(chunkSize, cacheSize int64) *Cache {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if cacheSize < 0 {
		cacheSize = 0
	}
	l := newSegList()
	return &Cache{
		list:      l,
		readCur:   l.head,
		writeCur:  l.head,
		chunkSize: chunkSize,
		cacheSize: cacheSize,
		pages:     roaring.New(),
	}
}

// ReadOffset returns the current read position.
func (c *Cache) ReadOffset() int64 { return c.readOff }

// WriteOffset returns the current write position.
func (c *Cache) WriteOffset() int64 { return c.writeOff }

func (c *Cache) bounded() bool { return c.cacheSize > 0 }

// SeekRead moves the read cursor to the segment containing off. Seeking
// past all known data lands on the EOF terminator.
func (c *Cache) SeekRead(off int64) error {
	if off < 0 {
		return errors.Wrap(ErrInvalidInput, "negative read offset")
	}
	i := c.list.find(off)
	if i == noSeg {
		return errors.Wrapf(ErrCacheInvariant, "no segment contains %d", off)
	}
	c.readOff = off
	c.readCur = i
	return nil
}

// SeekWrite moves the write cursor to the segment containing off.
func (c *Cache) SeekWrite(off int64) error {
	if off < 0 {
		return errors.Wrap(ErrInvalidInput, "negative write offset")
	}
	i := c.list.find(off)
	if i == noSeg {
		return errors.Wrapf(ErrCacheInvariant, "no segment contains %d", off)
	}
	c.writeOff = off
	c.writeCur = i
	return nil
}

// BytesReadable returns the number of contiguous buffered bytes available
// at the read offset, capped by max. A negative max means no cap.
func (c *Cache) BytesReadable(max int64) int64 {
	if max < 0 {
		max = math.MaxInt64
	}
	s := c.list.at(c.readCur)
	if s.kind != segFilled {
		return 0
	}
	total := s.end - c.readOff
	for n := s.next; total < max && n != noSeg && c.list.at(n).kind == segFilled; n = c.list.at(n).next {
		total += c.list.at(n).length()
	}
	if total > max {
		total = max
	}
	return total
}

// BytesWritable returns the number of contiguous unpopulated bytes at the
// write offset, capped by max. Sitting on the EOF terminator the space is
// unbounded, so max is returned. A negative max means no cap.
func (c *Cache) BytesWritable(max int64) int64 {
	if max < 0 {
		max = math.MaxInt64
	}
	s := c.list.at(c.writeCur)
	switch s.kind {
	case segFilled:
		return 0
	case segEOF:
		return max
	}
	total := s.end - c.writeOff
	for n := s.next; n != noSeg; n = c.list.at(n).next {
		switch c.list.at(n).kind {
		case segEOF:
			return max
		case segFilled:
			if total > max {
				total = max
			}
			return total
		}
		total += c.list.at(n).length()
	}
	if total > max {
		total = max
	}
	return total
}

// ReadBytes copies up to len(dest) buffered bytes from the read offset into
// dest, advancing the read cursor and touching LRU stamps. It returns the
// number of bytes copied, which is short when a hole or EOF is reached.
func (c *Cache) ReadBytes(dest []byte) int {
	n := int(c.BytesReadable(int64(len(dest))))
	copied := 0
	for copied < n {
		s := c.list.at(c.readCur)
		chunkEnd := s.end
		if want := c.readOff + int64(n-copied); want < chunkEnd {
			chunkEnd = want
		}
		c.clock++
		copied += s.readInto(dest[copied:], c.readOff, chunkEnd, c.clock)
		c.readOff = chunkEnd
		if c.readOff >= s.end {
			c.readCur = s.next
		}
	}
	return n
}

// Write installs b at the write offset. The span must lie entirely within
// the empty (or EOF) range under the write cursor; writes never overwrite
// buffered data. The surrounding hole is split to carve out the exact
// range, the write cursor advances past the new segment, and a GC pass
// runs.
func (c *Cache) Write(b []byte) error {
	n := int64(len(b))
	if n == 0 {
		return errors.Wrap(ErrInvalidInput, "empty write")
	}
	if !c.list.at(c.writeCur).contains(c.writeOff) {
		// cursor went stale, relocate before checking space
		i := c.list.find(c.writeOff)
		if i == noSeg {
			return errors.Wrapf(ErrCacheInvariant, "no segment contains %d", c.writeOff)
		}
		c.writeCur = i
	}
	if c.list.at(c.writeCur).kind == segFilled || c.BytesWritable(n) < n {
		return errors.Wrapf(ErrNoSpace, "%d bytes at %d", n, c.writeOff)
	}

	cur := c.writeCur
	if c.list.at(cur).start < c.writeOff {
		_, right, err := c.list.split(cur, c.writeOff)
		if err != nil {
			return err
		}
		cur = right
	}
	if c.list.at(cur).kind == segEOF || c.writeOff+n < c.list.at(cur).end {
		left, _, err := c.list.split(cur, c.writeOff+n)
		if err != nil {
			return err
		}
		cur = left
	}

	c.clock++
	ni := c.list.alloc(segment{
		start: c.writeOff,
		end:   c.writeOff + n,
		kind:  segFilled,
		bytes: append([]byte(nil), b...),
		stamp: c.clock,
	})
	if err := c.list.splice(cur, cur, ni, ni); err != nil {
		return err
	}
	c.filled += n

	start := c.writeOff
	c.writeOff += n
	c.writeCur = c.list.at(ni).next
	c.readCur = c.list.find(c.readOff)
	c.markPages(start, c.writeOff)
	c.gc()
	return nil
}

// Ranges returns the sorted [start, end) extents of buffered data, one pair
// per maximal run of filled segments.
func (c *Cache) Ranges() [][2]int64 {
	var out [][2]int64
	var runStart int64
	inRun := false
	for i := c.list.head; i != noSeg; i = c.list.at(i).next {
		s := c.list.at(i)
		if s.kind == segFilled {
			if !inRun {
				runStart = s.start
				inRun = true
			}
			continue
		}
		if inRun {
			out = append(out, [2]int64{runStart, s.start})
			inRun = false
		}
	}
	return out
}

// gc evicts least recently read segments until the cache fits its cap,
// never touching segments that intersect the hot readahead window
// [readOff, readOff+chunkSize].
func (c *Cache) gc() {
	if c.cacheSize <= 0 || c.filled <= c.cacheSize {
		return
	}
	hotStart := c.readOff
	hotEnd := c.readOff + c.chunkSize

	var cands []segIdx
	for i := c.list.head; i != noSeg; i = c.list.at(i).next {
		s := c.list.at(i)
		if s.kind == segFilled && (s.end < hotStart || s.start > hotEnd) {
			cands = append(cands, i)
		}
	}
	sort.Slice(cands, func(a, b int) bool {
		return c.list.at(cands[a]).stamp < c.list.at(cands[b]).stamp
	})

	var evicted int64
	for _, i := range cands {
		if c.filled <= c.cacheSize {
			break
		}
		s := c.list.at(i)
		start, end, n := s.start, s.end, s.length()
		ei := c.list.alloc(segment{start: start, end: end, kind: segEmpty})
		if err := c.list.splice(i, i, ei, ei); err != nil {
			return
		}
		if _, err := c.list.consolidate(ei); err != nil {
			return
		}
		c.filled -= n
		evicted += n
		c.clearPages(start, end)
	}
	if evicted > 0 {
		c.readCur = c.list.find(c.readOff)
		c.writeCur = c.list.find(c.writeOff)
		if c.Metrics != nil {
			c.Metrics.RecordEvict(evicted)
		}
	}
}

// markPages records every chunk page fully covered by buffered data within
// the just-written span [start, end).
func (c *Cache) markPages(start, end int64) {
	for p := start / c.chunkSize; p*c.chunkSize < end; p++ {
		if c.pageComplete(p) {
			c.pages.Add(uint32(p))
		}
	}
}

func (c *Cache) clearPages(start, end int64) {
	for p := start / c.chunkSize; p*c.chunkSize < end; p++ {
		c.pages.Remove(uint32(p))
	}
}

func (c *Cache) pageComplete(p int64) bool {
	pageStart := p * c.chunkSize
	pageEnd := pageStart + c.chunkSize
	i := c.list.find(pageStart)
	for i != noSeg {
		s := c.list.at(i)
		if s.kind != segFilled {
			return false
		}
		if s.end >= pageEnd {
			return true
		}
		i = s.next
	}
	return false
}

// firstMissing returns the lowest offset below limit that is not buffered,
// at page granularity, or -1 when [0, limit) is fully resident.
func (c *Cache) firstMissing(limit int64) int64 {
	if limit <= 0 {
		return -1
	}
	fullPages := limit / c.chunkSize
	// TODO roaring may have a first-absent query cheaper than this scan
	for p := int64(0); p < fullPages; p++ {
		if !c.pages.Contains(uint32(p)) {
			return p * c.chunkSize
		}
	}
	tail := fullPages * c.chunkSize
	if tail >= limit {
		return -1
	}
	i := c.list.find(tail)
	for i != noSeg {
		s := c.list.at(i)
		if s.kind != segFilled {
			return tail
		}
		if s.end >= limit {
			return -1
		}
		i = s.next
	}
	return tail
}

// validate walks the partition and checks the structural invariants. Used
// by tests and defensive paths; a non-nil result is a bug.
func (c *Cache) validate() error {
	if c.list.head == noSeg || c.list.tail == noSeg {
		return errors.Wrap(ErrCacheInvariant, "missing head or tail")
	}
	if c.list.at(c.list.head).start != 0 {
		return errors.Wrap(ErrCacheInvariant, "head does not start at 0")
	}
	if c.list.at(c.list.tail).kind != segEOF {
		return errors.Wrap(ErrCacheInvariant, "tail is not EOF")
	}
	var filled int64
	for i := c.list.head; i != noSeg; i = c.list.at(i).next {
		s := c.list.at(i)
		if s.end < s.start {
			return errors.Wrapf(ErrCacheInvariant, "segment [%d,%d) inverted", s.start, s.end)
		}
		if s.kind == segFilled {
			if s.length() == 0 {
				return errors.Wrap(ErrCacheInvariant, "zero-length filled segment")
			}
			if int64(len(s.bytes)) != s.length() {
				return errors.Wrapf(ErrCacheInvariant, "segment [%d,%d) holds %d bytes", s.start, s.end, len(s.bytes))
			}
			filled += s.length()
		}
		if s.kind == segEOF && s.length() != 0 {
			return errors.Wrap(ErrCacheInvariant, "EOF with nonzero length")
		}
		if n := s.next; n != noSeg {
			if c.list.at(n).start != s.end {
				return errors.Wrapf(ErrCacheInvariant, "gap between %d and %d", s.end, c.list.at(n).start)
			}
			if c.list.at(n).prev != i {
				return errors.Wrap(ErrCacheInvariant, "broken back link")
			}
			if s.kind != segFilled && c.list.at(n).kind != segFilled {
				return errors.Wrapf(ErrCacheInvariant, "adjacent empties at %d", s.end)
			}
		} else if i != c.list.tail {
			return errors.Wrap(ErrCacheInvariant, "list ends before tail")
		}
	}
	if filled != c.filled {
		return errors.Wrapf(ErrCacheInvariant, "filled accounting %d != %d", c.filled, filled)
	}
	if !c.list.at(c.readCur).contains(c.readOff) {
		return errors.Wrap(ErrCacheInvariant, "read cursor off position")
	}
	if !c.list.at(c.writeCur).contains(c.writeOff) {
		return errors.Wrap(ErrCacheInvariant, "write cursor off position")
	}
	return nil
}
