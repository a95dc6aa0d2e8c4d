package manager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pagebrowse/pkg/engine"
	"github.com/entrhq/pagebrowse/pkg/protocol"
)

type testHandle int

func (h testHandle) Slot() int { return int(h) }

func newTestPool(size int) *Pool {
	handles := make([]engine.Handle, size)
	for i := range handles {
		handles[i] = testHandle(i)
	}
	return NewPool(handles)
}

func TestPool_AcquireFillsLowestFreeSlot(t *testing.T) {
	p := newTestPool(3)

	for want := uint32(0); want < 3; want++ {
		id, ok := p.Acquire(100 + want)
		require.True(t, ok)
		assert.Equal(t, want, id)
	}
	assert.Equal(t, 3, p.Assigned())

	// Free the middle slot; the next lease lands there with a fresh id.
	_, err := p.Release(1)
	require.NoError(t, err)

	id, ok := p.Acquire(200)
	require.True(t, ok)
	assert.Equal(t, uint32(3), id)

	s, ok := p.lookup(3)
	require.True(t, ok)
	assert.Equal(t, 1, s.index)
}

func TestPool_WaitQueueIsFIFO(t *testing.T) {
	p := newTestPool(2)

	for msg := uint32(0); msg < 5; msg++ {
		p.Acquire(msg)
	}
	assert.Equal(t, []uint32{2, 3, 4}, p.Waiting())

	var granted []Grant
	for _, windowID := range []uint32{0, 1, 2} {
		grant, err := p.Release(windowID)
		require.NoError(t, err)
		require.NotNil(t, grant)
		granted = append(granted, *grant)
	}

	assert.Equal(t, []Grant{
		{MessageID: 2, WindowID: 2},
		{MessageID: 3, WindowID: 3},
		{MessageID: 4, WindowID: 4},
	}, granted)
	assert.Empty(t, p.Waiting())

	grant, err := p.Release(3)
	require.NoError(t, err)
	assert.Nil(t, grant)
}

func TestPool_ReleaseUnknownWindow(t *testing.T) {
	p := newTestPool(1)

	_, err := p.Release(7)
	assert.Error(t, err)

	id, _ := p.Acquire(0)
	_, err = p.Release(id)
	require.NoError(t, err)

	_, err = p.Release(id)
	assert.Error(t, err, "a window id is released at most once")
}

func TestPool_WindowIDsAreNeverReused(t *testing.T) {
	p := newTestPool(1)
	seen := make(map[uint32]bool)

	for i := 0; i < 10; i++ {
		id, ok := p.Acquire(uint32(i))
		require.True(t, ok)
		assert.False(t, seen[id], "window id %d reused", id)
		seen[id] = true
		_, err := p.Release(id)
		require.NoError(t, err)
	}
}

func TestPool_ReleaseDropsPending(t *testing.T) {
	p := newTestPool(1)
	id, _ := p.Acquire(0)
	s, _ := p.lookup(id)

	s.deferUntil(loadFinished("https://example.com"), protocol.Reply(5, protocol.OperationComplete{}))
	_, err := p.Release(id)
	require.NoError(t, err)

	assert.Empty(t, s.pending)
	assert.Nil(t, p.resolve(engine.Event{Slot: 0, Kind: engine.PageLoadFinish, URL: "https://example.com"}))
}

func TestPool_Resolve(t *testing.T) {
	const url = "https://example.com/"

	t.Run("finish releases every waiter on the url", func(t *testing.T) {
		p := newTestPool(2)
		id, _ := p.Acquire(0)
		s, _ := p.lookup(id)
		s.deferUntil(loadFinished(url), protocol.Reply(1, protocol.OperationComplete{}))
		s.deferUntil(loadFinished(url), protocol.Reply(2, protocol.OperationComplete{}))
		s.deferUntil(loadFinished("https://other.test/"), protocol.Reply(3, protocol.OperationComplete{}))

		got := p.resolve(engine.Event{Slot: 0, Kind: engine.PageLoadFinish, URL: url})
		assert.Equal(t, []protocol.Response{
			protocol.Reply(1, protocol.OperationComplete{}),
			protocol.Reply(2, protocol.OperationComplete{}),
		}, got)
		assert.Len(t, s.pending, 1)
	})

	t.Run("start and other slots are ignored", func(t *testing.T) {
		p := newTestPool(2)
		id, _ := p.Acquire(0)
		s, _ := p.lookup(id)
		s.deferUntil(loadFinished(url), protocol.Reply(1, protocol.OperationComplete{}))

		assert.Nil(t, p.resolve(engine.Event{Slot: 0, Kind: engine.PageLoadStart, URL: url}))
		assert.Nil(t, p.resolve(engine.Event{Slot: 1, Kind: engine.PageLoadFinish, URL: url}))
		assert.Nil(t, p.resolve(engine.Event{Slot: 9, Kind: engine.PageLoadFinish, URL: url}))
		assert.Len(t, s.pending, 1)
	})

	t.Run("failure answers with error", func(t *testing.T) {
		p := newTestPool(1)
		id, _ := p.Acquire(0)
		s, _ := p.lookup(id)
		s.deferUntil(loadFinished(url), protocol.Reply(4, protocol.OperationComplete{}))

		got := p.resolve(engine.Event{Slot: 0, Kind: engine.PageLoadFailed, URL: url, Err: errors.New("net::ERR_NAME_NOT_RESOLVED")})
		require.Len(t, got, 1)
		assert.Equal(t, protocol.ID(4), got[0].MessageID)
		payload, ok := got[0].Payload.(protocol.ErrorResponse)
		require.True(t, ok)
		assert.Contains(t, payload.Message, "net::ERR_NAME_NOT_RESOLVED")
		assert.Empty(t, s.pending)
	})
}

func TestSlot_CancelLast(t *testing.T) {
	p := newTestPool(1)
	id, _ := p.Acquire(0)
	s, _ := p.lookup(id)
	key := loadFinished("https://example.com")

	s.deferUntil(key, protocol.Reply(1, protocol.OperationComplete{}))
	s.deferUntil(key, protocol.Reply(2, protocol.OperationComplete{}))

	s.cancelLast(key)
	assert.Equal(t, []protocol.Response{protocol.Reply(1, protocol.OperationComplete{})}, s.pending[key])

	s.cancelLast(key)
	_, ok := s.pending[key]
	assert.False(t, ok)
}

func TestTilePosition(t *testing.T) {
	tests := []struct {
		id   uint32
		x, y int
	}{
		{id: 0, x: 0, y: 0},
		{id: 1, x: 960, y: 0},
		{id: 3, x: 2880, y: 0},
		{id: 4, x: 0, y: 540},
		{id: 7, x: 2880, y: 540},
		{id: 15, x: 2880, y: 1620},
		{id: 16, x: 0, y: 0},
		{id: 21, x: 960, y: 540},
	}

	for _, tt := range tests {
		x, y := tilePosition(tt.id)
		assert.Equal(t, tt.x, x, "x for window %d", tt.id)
		assert.Equal(t, tt.y, y, "y for window %d", tt.id)
	}
}
