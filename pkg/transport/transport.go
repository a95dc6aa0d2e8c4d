// Package transport moves separator-delimited frames over byte streams.
//
// A connection is served by one Reader loop and one Writer. The Writer is the
// only code that touches the underlying io.Writer, so frames never
// interleave.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/entrhq/pagebrowse/pkg/protocol"
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("transport: writer closed")

// Reader splits a byte stream into frames.
type Reader struct {
	r   *bufio.Reader
	sep byte
}

// NewReader returns a Reader that splits r on protocol.Separator.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), sep: protocol.Separator}
}

// Next returns the next frame body without its separator. At the end of the
// stream a trailing partial frame is returned first, then io.EOF.
func (r *Reader) Next() ([]byte, error) {
	for {
		frame, err := r.r.ReadBytes(r.sep)
		if err != nil {
			if errors.Is(err, io.EOF) && len(frame) > 0 {
				return frame, nil
			}
			return nil, err
		}
		frame = frame[:len(frame)-1]
		if len(frame) == 0 {
			// Stray separator; nothing to decode.
			continue
		}
		return frame, nil
	}
}

type flusher interface {
	Flush() error
}

// Writer serializes frames onto an io.Writer.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewWriter returns a Writer that owns w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write sends one complete frame. Concurrent calls are serialized.
func (w *Writer) Write(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if _, err := w.w.Write(frame); err != nil {
		return err
	}
	if f, ok := w.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Run writes frames from in until the channel is closed, the context is
// cancelled, or a write fails.
func (w *Writer) Run(ctx context.Context, in <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-in:
			if !ok {
				return nil
			}
			if err := w.Write(frame); err != nil {
				return err
			}
		}
	}
}

// Close marks the writer closed and closes the underlying writer if it is an
// io.Closer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
