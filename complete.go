package streamfile

import (
	"context"

	"github.com/pkg/errors"
)

// FirstMissing returns the lowest offset, at chunk granularity, that is not
// yet buffered, or -1 when the whole resource is resident or the length is
// still unknown.
func (s *Stream) FirstMissing() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || s.length < 0 {
		return -1
	}
	return s.cache.firstMissing(s.length)
}

// FullyBuffered reports whether every byte of a known-length resource is
// resident in the cache.
func (s *Stream) FullyBuffered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || s.length < 0 {
		return false
	}
	return s.cache.firstMissing(s.length) < 0
}

// Complete buffers the entire resource, filling every hole left by seeks
// and evictions. It requires a loaded stream with a known length and an
// unbounded cache (CacheSize < 0), and a seekable origin if any hole lies
// behind the read position. The read position is restored afterwards.
func (s *Stream) Complete(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || !s.loaded || s.phase != phaseIdle {
		s.mu.Unlock()
		return errors.Wrap(ErrInvalidState, "complete")
	}
	if s.length < 0 || s.cache.bounded() {
		s.mu.Unlock()
		return errors.Wrap(ErrInvalidState, "complete requires a known length and an unbounded cache")
	}
	origin := s.cache.ReadOffset()
	length := s.length
	canSeek := s.canSeek
	chunk := s.opts.ChunkSize
	s.mu.Unlock()

	if !canSeek {
		// A single forward pass is all a non-seekable origin allows.
		off := s.Offset()
		if _, err := s.Buffer(ctx, length-off); err != nil {
			return err
		}
		if s.FirstMissing() >= 0 {
			return errors.Wrap(ErrNotSeekable, "holes behind the read position")
		}
		return nil
	}

	for {
		miss := s.FirstMissing()
		if miss < 0 {
			break
		}
		if miss != s.Offset() {
			if err := s.Seek(miss); err != nil {
				return err
			}
		}
		got, err := s.Buffer(ctx, chunk)
		if err != nil {
			return err
		}
		if got == 0 && s.FirstMissing() == miss {
			return &NetworkError{URL: s.url, cause: errors.New("no progress completing download")}
		}
	}
	if s.Offset() != origin {
		return s.Seek(origin)
	}
	return nil
}
