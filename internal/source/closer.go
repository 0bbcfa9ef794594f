package source

import (
	"io"
	"sync"
)

// sharedCloser closes a stack of readers once, innermost first.
type sharedCloser struct {
	closers []io.Closer
	once    sync.Once
	err     error
}

func newSharedCloser(closers ...io.Closer) *sharedCloser {
	return &sharedCloser{closers: closers}
}

// Close closes the underlying closers and returns the first error.
// Safe to call multiple times - only the first call has effect.
func (s *sharedCloser) Close() error {
	s.once.Do(func() {
		for _, c := range s.closers {
			if err := c.Close(); err != nil && s.err == nil {
				s.err = err
			}
		}
	})
	return s.err
}

// readerCloser wraps a reader with a shared closer.
type readerCloser struct {
	reader io.Reader
	closer io.Closer
}

func (r *readerCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *readerCloser) Close() error {
	return r.closer.Close()
}
