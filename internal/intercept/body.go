package intercept

import (
	"errors"
	"io"
	"sync"
)

const (
	teeChunkSize        = 32 * 1024
	teeCompactThreshold = 64 * 1024
)

var errBodyClosed = errors.New("http: read on closed response body")

// sharedBody lets two readers consume one response body independently.
// Bytes are pulled from the source on demand by whichever reader runs ahead
// and retained until the slower reader has seen them.
type sharedBody struct {
	mu      sync.Mutex
	cond    *sync.Cond
	src     io.ReadCloser
	scratch []byte

	buf  []byte // bytes [base, base+len(buf)) of the stream
	base int64
	err  error // terminal source error, io.EOF on success

	reading  bool
	branches [2]*branchBody
	open     int
}

// branchBody is one reader of a sharedBody.
type branchBody struct {
	s      *sharedBody
	off    int64
	closed bool
}

// teeBody splits src into two readers that each yield the full stream.
// The source is closed once both readers are closed.
func teeBody(src io.ReadCloser) (primary, clone io.ReadCloser) {
	s := &sharedBody{src: src, open: 2}
	s.cond = sync.NewCond(&s.mu)
	a, b := &branchBody{s: s}, &branchBody{s: s}
	s.branches = [2]*branchBody{a, b}
	return a, b
}

func (b *branchBody) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if b.closed {
			return 0, errBodyClosed
		}
		if idx := b.off - s.base; idx < int64(len(s.buf)) {
			n := copy(p, s.buf[idx:])
			b.off += int64(n)
			s.compact()
			return n, nil
		}
		if s.err != nil {
			return 0, s.err
		}
		if s.reading {
			s.cond.Wait()
			continue
		}
		s.fill()
	}
}

// fill reads one chunk from the source.
// Must be called with s.mu held; the lock is released for the duration of the read.
func (s *sharedBody) fill() {
	s.reading = true
	if s.scratch == nil {
		s.scratch = make([]byte, teeChunkSize)
	}
	chunk := s.scratch
	s.mu.Unlock()

	n, err := s.src.Read(chunk)

	s.mu.Lock()
	s.reading = false
	if n > 0 {
		s.buf = append(s.buf, chunk[:n]...)
	}
	if err != nil {
		s.err = err
	}
	s.cond.Broadcast()
}

// compact drops bytes every open branch has already consumed.
// Must be called with s.mu held.
func (s *sharedBody) compact() {
	low := int64(-1)
	for _, br := range s.branches {
		if br.closed {
			continue
		}
		if low < 0 || br.off < low {
			low = br.off
		}
	}
	if low < 0 {
		s.base += int64(len(s.buf))
		s.buf = nil
		return
	}
	drop := low - s.base
	if drop < teeCompactThreshold {
		return
	}
	s.buf = append([]byte(nil), s.buf[drop:]...)
	s.base = low
}

func (b *branchBody) Close() error {
	s := b.s
	s.mu.Lock()
	if b.closed {
		s.mu.Unlock()
		return nil
	}
	b.closed = true
	s.open--
	last := s.open == 0
	s.compact()
	s.cond.Broadcast()
	s.mu.Unlock()

	if last {
		return s.src.Close()
	}
	return nil
}
