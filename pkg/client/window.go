package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/entrhq/pagebrowse/pkg/protocol"
)

// Window is a leased window. Release it with Close or Release when done;
// until then it stays out of the pool.
type Window struct {
	id      uint32
	browser *Browser

	released    atomic.Bool
	releaseOnce sync.Once
	releaseDone chan struct{}
	releaseErr  error
}

func newWindow(b *Browser, id uint32) *Window {
	return &Window{
		id:          id,
		browser:     b,
		releaseDone: make(chan struct{}),
	}
}

// ID returns the id the manager assigned to this lease.
func (w *Window) ID() uint32 {
	return w.id
}

// Navigate loads url. With waitForLoad it returns once the page finished
// loading, otherwise as soon as navigation started.
func (w *Window) Navigate(ctx context.Context, url string, waitForLoad bool) error {
	return w.complete(ctx, protocol.Navigate{WindowID: w.id, URL: url, WaitForLoad: waitForLoad})
}

// Resize sets the window's content size.
func (w *Window) Resize(ctx context.Context, width, height int) error {
	return w.complete(ctx, protocol.ResizeWindow{WindowID: w.id, Width: width, Height: height})
}

// EvaluateScript runs script in the page and decodes its JSON result. A
// script without a result yields nil.
func (w *Window) EvaluateScript(ctx context.Context, script string) (any, error) {
	req := protocol.EvaluateScript{WindowID: w.id, Script: script}
	if w.released.Load() {
		return nil, ErrWindowReleased
	}

	evaluated, err := expect[protocol.ScriptEvaluated](w.browser.Call(ctx, req))
	if err != nil {
		return nil, describe(req, err)
	}
	if evaluated.Output == "" {
		return nil, nil
	}

	var value any
	if err := json.Unmarshal([]byte(evaluated.Output), &value); err != nil {
		return nil, fmt.Errorf("failed to decode script result: %w", err)
	}
	return value, nil
}

// Screenshot saves a PNG of the page to path on the manager's filesystem.
func (w *Window) Screenshot(ctx context.Context, path string) error {
	return w.complete(ctx, protocol.Screenshot{WindowID: w.id, Path: path})
}

// Release returns the window to the pool and waits for the manager to
// confirm. Later calls return the first result.
func (w *Window) Release(ctx context.Context) error {
	w.startRelease()
	select {
	case <-w.releaseDone:
		return w.releaseErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close returns the window to the pool without waiting for confirmation.
// It is safe to call more than once and after Release.
func (w *Window) Close() error {
	w.startRelease()
	return nil
}

// startRelease sends ReleaseWindow exactly once.
func (w *Window) startRelease() {
	w.releaseOnce.Do(func() {
		w.released.Store(true)
		go func() {
			defer close(w.releaseDone)
			req := protocol.ReleaseWindow{WindowID: w.id}
			_, err := expect[protocol.OperationComplete](w.browser.Call(context.Background(), req))
			if err != nil {
				w.releaseErr = describe(req, err)
				w.browser.log.Warnf("failed to release window %d: %v", w.id, w.releaseErr)
			}
		}()
	})
}

func (w *Window) complete(ctx context.Context, req protocol.RequestPayload) error {
	if w.released.Load() {
		return ErrWindowReleased
	}
	_, err := expect[protocol.OperationComplete](w.browser.Call(ctx, req))
	return describe(req, err)
}
