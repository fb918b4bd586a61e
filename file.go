package streamfile

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// File adapts a Stream to the standard library io interfaces, so remote
// resources can be handed to consumers like archive/zip that expect a local
// random-access file. The zero position is the start of the resource; the
// stream is loaded lazily on first use.
//
// Seek and ReadAt require a seekable origin. Close closes the underlying
// stream.
type File struct {
	s   *Stream
	ctx context.Context

	mu  sync.Mutex
	pos int64
}

// NewFile returns an io adapter over the stream. The context governs the
// network waits of every subsequent call; nil means context.Background.
func (s *Stream) NewFile(ctx context.Context) *File {
	if ctx == nil {
		ctx = context.Background()
	}
	return &File{s: s, ctx: ctx}
}

var (
	_ io.Reader         = (*File)(nil)
	_ io.Seeker         = (*File)(nil)
	_ io.ReadSeekCloser = (*File)(nil)
	_ io.ReaderAt       = (*File)(nil)
)

func (f *File) ensureLoaded() error {
	if f.s.Loaded() {
		return nil
	}
	err := f.s.Load(f.ctx)
	if err != nil && errors.Is(err, ErrInvalidState) && f.s.Loaded() {
		// lost a race with another loader, which is fine
		return nil
	}
	return err
}

// position moves the stream's read cursor to off if it is not already
// there.
func (f *File) position(off int64) error {
	if f.s.Offset() == off {
		return nil
	}
	return f.s.Seek(off)
}

// Read reads from the current position, buffering from the network as
// needed, and advances it.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(); err != nil {
		return 0, err
	}
	if err := f.position(f.pos); err != nil {
		return 0, err
	}
	if _, err := f.s.Buffer(f.ctx, int64(len(p))); err != nil {
		return 0, err
	}
	n, err := f.s.ReadBytes(p)
	f.pos += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Seek sets the position for the next Read. The move is applied lazily, so
// seeking a non-seekable stream only fails once a read actually needs to
// reposition. io.SeekEnd requires the resource length to be known.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		if err := f.ensureLoaded(); err != nil {
			return f.pos, err
		}
		base = f.s.Length()
		if base < 0 {
			return f.pos, errors.Wrap(ErrInvalidInput, "seek from end of stream with unknown length")
		}
	default:
		return f.pos, errors.Wrapf(ErrInvalidInput, "seek whence %d", whence)
	}
	if base+offset < 0 {
		return f.pos, errors.Wrapf(ErrInvalidInput, "seek to %d", base+offset)
	}
	f.pos = base + offset
	return f.pos, nil
}

// ReadAt reads len(p) bytes at off without moving the position of Read.
// A short read at end of stream returns io.EOF.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 {
		return 0, errors.Wrap(ErrInvalidInput, "negative offset")
	}
	if err := f.ensureLoaded(); err != nil {
		return 0, err
	}
	if err := f.position(off); err != nil {
		return 0, err
	}
	if _, err := f.s.Buffer(f.ctx, int64(len(p))); err != nil {
		return 0, err
	}
	n, err := f.s.ReadBytes(p)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close closes the underlying stream.
func (f *File) Close() error {
	return f.s.Close()
}
