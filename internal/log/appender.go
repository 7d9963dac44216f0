package log

import (
	"errors"
	"io"
	"sync"
)

// MultiWriter fans log lines out to several writers. A failing writer does not stop the others.
type MultiWriter struct {
	mu      sync.Mutex
	writers []io.Writer
}

func (m *MultiWriter) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.writers {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}

func (m *MultiWriter) Add(writer io.Writer) *MultiWriter {
	m.mu.Lock()
	m.writers = append(m.writers, writer)
	m.mu.Unlock()
	return m
}

// Close closes every writer that is an io.Closer, except stdout and stderr.
func (m *MultiWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, w := range m.writers {
		if c, ok := w.(io.Closer); ok && !isStdStream(w) {
			errs = append(errs, c.Close())
		}
	}
	m.writers = nil
	return errors.Join(errs...)
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{writers: make([]io.Writer, 0)}
}
