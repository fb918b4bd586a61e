package streamfile

import "github.com/pkg/errors"

// segList is the ordered partition of the virtual file: contiguous segments
// starting at 0 and terminated by a single EOF segment. Nodes live in an
// arena slice and reference each other by index.
//
// Structural invariants, restored after every mutation:
//   - the first segment starts at 0 and neighbors are contiguous
//   - the last segment is the EOF terminator
//   - only empty segments and the terminator may have zero length
//   - no two empty/EOF segments are adjacent
type segList struct {
	nodes []segment
	free  []segIdx
	head  segIdx
	tail  segIdx // the EOF terminator
}

func newSegList() *segList {
	l := &segList{head: noSeg, tail: noSeg}
	eof := l.alloc(segment{kind: segEOF})
	l.head, l.tail = eof, eof
	return l
}

func (l *segList) at(i segIdx) *segment { return &l.nodes[i] }

func (l *segList) alloc(s segment) segIdx {
	s.prev, s.next = noSeg, noSeg
	if n := len(l.free); n > 0 {
		i := l.free[n-1]
		l.free = l.free[:n-1]
		l.nodes[i] = s
		return i
	}
	l.nodes = append(l.nodes, s)
	return segIdx(len(l.nodes) - 1)
}

func (l *segList) release(i segIdx) {
	l.nodes[i] = segment{prev: noSeg, next: noSeg}
	l.free = append(l.free, i)
}

// find returns the segment containing off. The EOF terminator contains
// every offset at or past its start, so this only fails on a corrupt list.
func (l *segList) find(off int64) segIdx {
	for i := l.head; i != noSeg; i = l.at(i).next {
		if l.at(i).contains(off) {
			return i
		}
	}
	return noSeg
}

// splice replaces the inclusive chain [oldHead..oldTail] with the
// pre-linked chain [newHead..newTail]. The replacement must cover the same
// range, except that an EOF terminator may replace a chain ending at the
// terminator with a different start (this is how empties are absorbed into
// EOF).
func (l *segList) splice(oldHead, oldTail, newHead, newTail segIdx) error {
	oh, ot := l.at(oldHead), l.at(oldTail)
	nh, nt := l.at(newHead), l.at(newTail)
	if nh.start != oh.start {
		return errors.Wrapf(ErrCacheInvariant, "splice start mismatch: %d != %d", nh.start, oh.start)
	}
	if nt.end != ot.end && !(nt.kind == segEOF && ot.kind == segEOF) {
		return errors.Wrapf(ErrCacheInvariant, "splice end mismatch: %d != %d", nt.end, ot.end)
	}
	prev, next := oh.prev, ot.next
	nh.prev = prev
	nt.next = next
	if prev != noSeg {
		l.at(prev).next = newHead
	} else {
		l.head = newHead
	}
	if next != noSeg {
		l.at(next).prev = newTail
	} else {
		l.tail = newTail
	}
	for i := oldHead; ; {
		n := l.at(i).next
		done := i == oldTail
		l.release(i)
		if done {
			break
		}
		i = n
	}
	return nil
}

// split divides an empty or EOF segment at off into [start,off) and
// [off,end), keeping the EOF kind on the right half only. off must lie
// strictly inside the segment.
func (l *segList) split(i segIdx, off int64) (left, right segIdx, err error) {
	s := *l.at(i)
	if s.kind == segFilled || !s.contains(off) || off == s.start {
		return noSeg, noSeg, errors.Wrapf(ErrCacheInvariant, "bad split at %d", off)
	}
	li := l.alloc(segment{start: s.start, end: off, kind: segEmpty})
	var ri segIdx
	if s.kind == segEOF {
		ri = l.alloc(segment{start: off, end: off, kind: segEOF})
	} else {
		ri = l.alloc(segment{start: off, end: s.end, kind: segEmpty})
	}
	l.at(li).next = ri
	l.at(ri).prev = li
	if err := l.splice(i, i, li, ri); err != nil {
		return noSeg, noSeg, err
	}
	return li, ri, nil
}

// consolidate merges the run of adjacent empties around i into a single
// segment. A run that reaches the EOF terminator is absorbed into it (the
// terminator's start moves back), so an empty never neighbors EOF.
func (l *segList) consolidate(i segIdx) (segIdx, error) {
	if l.at(i).kind == segFilled {
		return i, nil
	}
	first := i
	for p := l.at(first).prev; p != noSeg && l.at(p).kind == segEmpty; p = l.at(first).prev {
		first = p
	}
	last := first
	for n := l.at(last).next; n != noSeg && l.at(n).kind == segEmpty; n = l.at(last).next {
		last = n
	}
	atEOF := l.at(last).kind == segEOF
	if !atEOF && l.at(last).next != noSeg && l.at(l.at(last).next).kind == segEOF {
		last = l.at(last).next
		atEOF = true
	}
	if atEOF {
		if first == last {
			return first, nil // lone terminator, nothing to merge
		}
		ni := l.alloc(segment{start: l.at(first).start, end: l.at(first).start, kind: segEOF})
		if err := l.splice(first, last, ni, ni); err != nil {
			return noSeg, err
		}
		return ni, nil
	}
	if first == last {
		return first, nil
	}
	ni := l.alloc(segment{start: l.at(first).start, end: l.at(last).end, kind: segEmpty})
	if err := l.splice(first, last, ni, ni); err != nil {
		return noSeg, err
	}
	return ni, nil
}
