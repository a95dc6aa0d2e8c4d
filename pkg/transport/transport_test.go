package transport

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pagebrowse/pkg/protocol"
)

func readAll(t *testing.T, r *Reader) []string {
	t.Helper()
	var frames []string
	for {
		frame, err := r.Next()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, string(frame))
	}
}

func TestReader_Next(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty stream", input: "", want: nil},
		{name: "single frame", input: "YQ==,", want: []string{"YQ=="}},
		{name: "several frames", input: "YQ==,Yg==,Yw==,", want: []string{"YQ==", "Yg==", "Yw=="}},
		{name: "trailing partial frame", input: "YQ==,Yg", want: []string{"YQ==", "Yg"}},
		{name: "stray separators", input: ",,YQ==,,", want: []string{"YQ=="}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(strings.NewReader(tt.input))
			assert.Equal(t, tt.want, readAll(t, r))
		})
	}
}

func TestReader_SplitAcrossWrites(t *testing.T) {
	pr, pw := io.Pipe()
	frame, err := protocol.EncodeRequest(protocol.Request{
		MessageID: protocol.ID(3),
		Payload:   protocol.Navigate{WindowID: 1, URL: "https://example.com", WaitForLoad: true},
	})
	require.NoError(t, err)

	go func() {
		for _, b := range frame {
			_, _ = pw.Write([]byte{b})
		}
		_ = pw.Close()
	}()

	r := NewReader(pr)
	got, err := r.Next()
	require.NoError(t, err)

	req, err := protocol.DecodeRequest(got)
	require.NoError(t, err)
	assert.Equal(t, protocol.Navigate{WindowID: 1, URL: "https://example.com", WaitForLoad: true}, req.Payload)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestWriter_ConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			frame, err := protocol.EncodeResponse(protocol.Reply(uint32(i), protocol.TesterResponse{Message: strings.Repeat("x", 100)}))
			if err != nil {
				t.Error(err)
				return
			}
			for j := 0; j < perWriter; j++ {
				if err := w.Write(frame); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	r := NewReader(&buf)
	frames := readAll(t, r)
	require.Len(t, frames, writers*perWriter)
	for _, f := range frames {
		_, err := protocol.DecodeResponse([]byte(f))
		require.NoError(t, err)
	}
}

func TestWriter_Run(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	in := make(chan []byte, 3)
	in <- []byte("YQ==,")
	in <- []byte("Yg==,")
	close(in)

	require.NoError(t, w.Run(context.Background(), in))
	assert.Equal(t, "YQ==,Yg==,", buf.String())
}

func TestWriter_RunStopsOnCancel(t *testing.T) {
	w := NewWriter(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, make(chan []byte)) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWriter_Close(t *testing.T) {
	pr, pw := io.Pipe()
	w := NewWriter(pw)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Write([]byte("YQ==,")), ErrWriterClosed)

	_, err := pr.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
}
