// Package enginetest provides a scripted engine.Engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/entrhq/pagebrowse/pkg/engine"
)

// Window is the state the fake keeps for one slot.
type Window struct {
	Slot     int
	Options  engine.Options
	Loads    []string
	Scripts  []string
	Size     engine.Size
	Position [2]int
	Closed   bool
}

type handle struct{ slot int }

func (h handle) Slot() int { return h.slot }

// Engine is an in-memory engine.Engine. The exported fields configure its
// behaviour and must be set before the engine is used.
type Engine struct {
	// AutoFinish emits PageLoadStart and PageLoadFinish for every LoadURL.
	AutoFinish bool
	// ScriptResult computes the callback arguments for RunScript. The
	// default returns "null".
	ScriptResult func(slot int, script string) (string, error)
	// Image is passed to CaptureImage callbacks.
	Image []byte
	// ImageErr, when set, is passed to CaptureImage callbacks instead.
	ImageErr error
	// CreateErr fails every Create call.
	CreateErr error
	// LoadErr fails every LoadURL call synchronously.
	LoadErr error
	// RepositionErr fails every Reposition call.
	RepositionErr error

	mu      sync.Mutex
	windows map[int]*Window
	events  chan engine.Event
	closed  bool
}

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{
		windows: make(map[int]*Window),
		events:  make(chan engine.Event, 64),
	}
}

func (e *Engine) window(h engine.Handle) (*Window, error) {
	if h == nil {
		return nil, fmt.Errorf("nil handle")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engine.ErrClosed
	}
	w, ok := e.windows[h.Slot()]
	if !ok {
		return nil, fmt.Errorf("no window for slot %d", h.Slot())
	}
	return w, nil
}

func (e *Engine) Create(_ context.Context, slot int, opts engine.Options) (engine.Handle, error) {
	if e.CreateErr != nil {
		return nil, e.CreateErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.windows[slot] = &Window{Slot: slot, Options: opts, Size: opts.Viewport}
	return handle{slot: slot}, nil
}

func (e *Engine) LoadURL(h engine.Handle, url string) error {
	if e.LoadErr != nil {
		return e.LoadErr
	}
	w, err := e.window(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	w.Loads = append(w.Loads, url)
	e.mu.Unlock()

	if e.AutoFinish {
		go func() {
			e.Emit(engine.Event{Slot: h.Slot(), Kind: engine.PageLoadStart, URL: url})
			e.Emit(engine.Event{Slot: h.Slot(), Kind: engine.PageLoadFinish, URL: url})
		}()
	}
	return nil
}

func (e *Engine) RunScript(h engine.Handle, script string, cb engine.ScriptCallback) error {
	w, err := e.window(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	w.Scripts = append(w.Scripts, script)
	e.mu.Unlock()

	result := e.ScriptResult
	if result == nil {
		result = func(int, string) (string, error) { return "null", nil }
	}
	go func() { cb(result(h.Slot(), script)) }()
	return nil
}

func (e *Engine) CaptureImage(h engine.Handle, cb engine.ImageCallback) error {
	if _, err := e.window(h); err != nil {
		return err
	}
	image, imageErr := e.Image, e.ImageErr
	go func() {
		if imageErr != nil {
			cb(nil, imageErr)
			return
		}
		cb(image, nil)
	}()
	return nil
}

func (e *Engine) Resize(h engine.Handle, width, height int) error {
	w, err := e.window(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	w.Size = engine.Size{Width: width, Height: height}
	e.mu.Unlock()
	return nil
}

func (e *Engine) Reposition(h engine.Handle, x, y int) error {
	if e.RepositionErr != nil {
		return e.RepositionErr
	}
	w, err := e.window(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	w.Position = [2]int{x, y}
	e.mu.Unlock()
	return nil
}

func (e *Engine) Events() <-chan engine.Event {
	return e.events
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, w := range e.windows {
		w.Closed = true
	}
	return nil
}

// Emit delivers an event as if the engine produced it.
func (e *Engine) Emit(ev engine.Event) {
	e.events <- ev
}

// Snapshot returns a copy of the window state for slot.
func (e *Engine) Snapshot(slot int) (Window, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[slot]
	if !ok {
		return Window{}, false
	}
	cp := *w
	cp.Loads = append([]string(nil), w.Loads...)
	cp.Scripts = append([]string(nil), w.Scripts...)
	return cp, true
}

// Slots returns how many windows have been created.
func (e *Engine) Slots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.windows)
}

var _ engine.Engine = (*Engine)(nil)
