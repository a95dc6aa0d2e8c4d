package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pagebrowse/pkg/protocol"
)

func leaseWindow(t *testing.T, b *Browser, m *fakeManager, id uint32) *Window {
	t.Helper()

	done := make(chan *Window, 1)
	go func() {
		win, err := b.NewWindow(context.Background())
		assert.NoError(t, err)
		done <- win
	}()

	req := m.next()
	require.IsType(t, protocol.NewWindow{}, req.Payload)
	m.reply(req, protocol.NewWindowCreated{ID: id})

	select {
	case win := <-done:
		require.NotNil(t, win)
		return win
	case <-time.After(callTimeout):
		t.Fatal("NewWindow did not return")
		return nil
	}
}

func TestWindow_CommandsTargetTheLease(t *testing.T) {
	b, m := newConnection(t)
	win := leaseWindow(t, b, m, 7)
	assert.Equal(t, uint32(7), win.ID())

	tests := []struct {
		name string
		call func(context.Context) error
		want protocol.RequestPayload
	}{
		{
			name: "navigate",
			call: func(ctx context.Context) error { return win.Navigate(ctx, "https://example.com", true) },
			want: protocol.Navigate{WindowID: 7, URL: "https://example.com", WaitForLoad: true},
		},
		{
			name: "resize",
			call: func(ctx context.Context) error { return win.Resize(ctx, 800, 600) },
			want: protocol.ResizeWindow{WindowID: 7, Width: 800, Height: 600},
		},
		{
			name: "screenshot",
			call: func(ctx context.Context) error { return win.Screenshot(ctx, "/tmp/shot.png") },
			want: protocol.Screenshot{WindowID: 7, Path: "/tmp/shot.png"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := make(chan error, 1)
			go func() { done <- tt.call(context.Background()) }()

			req := m.next()
			assert.Equal(t, tt.want, req.Payload)
			m.reply(req, protocol.OperationComplete{})

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(callTimeout):
				t.Fatal("command did not return")
			}
		})
	}
}

func TestWindow_EvaluateScript(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    any
		wantErr bool
	}{
		{name: "no result", output: "", want: nil},
		{name: "null", output: "null", want: nil},
		{name: "string", output: `"Example Domain"`, want: "Example Domain"},
		{name: "number", output: "42", want: float64(42)},
		{name: "object", output: `{"title":"x","links":[1,2]}`, want: map[string]any{"title": "x", "links": []any{float64(1), float64(2)}}},
		{name: "not json", output: "undefined value", wantErr: true},
	}

	b, m := newConnection(t)
	win := leaseWindow(t, b, m, 0)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			type result struct {
				value any
				err   error
			}
			done := make(chan result, 1)
			go func() {
				v, err := win.EvaluateScript(context.Background(), "document.title")
				done <- result{v, err}
			}()

			req := m.next()
			assert.Equal(t, protocol.EvaluateScript{WindowID: 0, Script: "document.title"}, req.Payload)
			m.reply(req, protocol.ScriptEvaluated{Output: tt.output})

			res := <-done
			if tt.wantErr {
				assert.Error(t, res.err)
				return
			}
			require.NoError(t, res.err)
			assert.Equal(t, tt.want, res.value)
		})
	}
}

func TestWindow_ReleasesExactlyOnce(t *testing.T) {
	b, m := newConnection(t)
	win := leaseWindow(t, b, m, 3)

	require.NoError(t, win.Close())
	require.NoError(t, win.Close())

	req := m.next()
	assert.Equal(t, protocol.ReleaseWindow{WindowID: 3}, req.Payload)
	m.reply(req, protocol.OperationComplete{})

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	require.NoError(t, win.Release(ctx))

	assert.ErrorIs(t, win.Navigate(ctx, "https://example.com", false), ErrWindowReleased)
	_, err := win.EvaluateScript(ctx, "1")
	assert.ErrorIs(t, err, ErrWindowReleased)

	m.expectNone()
}

func TestWindow_ReleaseReportsRemoteError(t *testing.T) {
	b, m := newConnection(t)
	win := leaseWindow(t, b, m, 5)

	done := make(chan error, 1)
	go func() { done <- win.Release(context.Background()) }()

	req := m.next()
	m.respond(protocol.Fail(*req.MessageID, "no window with id 5"))

	select {
	case err := <-done:
		assert.True(t, IsRemoteError(err))
	case <-time.After(callTimeout):
		t.Fatal("Release did not return")
	}

	// A second Release reports the same outcome without another request.
	assert.True(t, IsRemoteError(win.Release(context.Background())))
	m.expectNone()
}

func TestWindow_CommandFailsOnRemoteError(t *testing.T) {
	b, m := newConnection(t)
	win := leaseWindow(t, b, m, 1)

	done := make(chan error, 1)
	go func() { done <- win.Navigate(context.Background(), "https://blocked.test", true) }()

	req := m.next()
	m.respond(protocol.Fail(*req.MessageID, "navigation to https://blocked.test is not allowed"))

	select {
	case err := <-done:
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Contains(t, remote.Message, "not allowed")
	case <-time.After(callTimeout):
		t.Fatal("Navigate did not return")
	}
}

func TestBrowser_AbandonedLeaseIsReleased(t *testing.T) {
	b, m := newConnection(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.NewWindow(ctx)
		done <- err
	}()

	queued := m.next()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(callTimeout):
		t.Fatal("NewWindow did not return after cancel")
	}

	m.reply(queued, protocol.NewWindowCreated{ID: 9})

	release := m.next()
	assert.Equal(t, protocol.ReleaseWindow{WindowID: 9}, release.Payload)
	m.reply(release, protocol.OperationComplete{})
}

func TestBrowser_AbandonedCallLeaseIsReleased(t *testing.T) {
	b, m := newConnection(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Call(ctx, protocol.NewWindow{})
		done <- err
	}()

	queued := m.next()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(callTimeout):
		t.Fatal("Call did not return after cancel")
	}

	m.reply(queued, protocol.NewWindowCreated{ID: 4})

	release := m.next()
	assert.Equal(t, protocol.ReleaseWindow{WindowID: 4}, release.Payload)
	m.reply(release, protocol.OperationComplete{})
}
