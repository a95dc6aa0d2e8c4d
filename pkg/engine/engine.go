// Package engine defines the capability the pool manager needs from an
// embedded browser engine. Implementations live in subpackages.
//
// An Engine owns a set of windows, one per pool slot. Commands are issued
// through the Engine with the Handle returned by Create. Page load progress
// is reported asynchronously on the Events channel; script and image results
// arrive through one-shot callbacks. Callbacks and events may be delivered
// from any goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupported is returned for operations an engine cannot perform, such
// as repositioning a headless window.
var ErrUnsupported = errors.New("engine: operation not supported")

// ErrClosed is returned when the engine or window has been closed.
var ErrClosed = errors.New("engine: closed")

// Size is a width and height in pixels.
type Size struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Options configure a window at creation.
type Options struct {
	Visible    bool
	InitScript *string
	// Viewport is the initial page size. Zero means the engine default.
	Viewport Size
}

// Handle identifies a window created by an Engine.
type Handle interface {
	Slot() int
}

// EventKind distinguishes page load notifications.
type EventKind int

const (
	PageLoadStart EventKind = iota
	PageLoadFinish
	PageLoadFailed
)

func (k EventKind) String() string {
	switch k {
	case PageLoadStart:
		return "PageLoadStart"
	case PageLoadFinish:
		return "PageLoadFinish"
	case PageLoadFailed:
		return "PageLoadFailed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a page load notification for one slot.
type Event struct {
	Slot int
	Kind EventKind
	// URL is the URL that was requested with LoadURL.
	URL string
	// Err is set for PageLoadFailed.
	Err error
}

// ScriptCallback receives the JSON text of a script result. An empty string
// means the script produced no value.
type ScriptCallback func(output string, err error)

// ImageCallback receives encoded image bytes.
type ImageCallback func(image []byte, err error)

// Engine is the browser capability behind the pool.
type Engine interface {
	// Create opens the window for a pool slot.
	Create(ctx context.Context, slot int, opts Options) (Handle, error)

	// LoadURL starts navigation and returns without waiting for it. Progress
	// is reported on Events.
	LoadURL(h Handle, url string) error

	// RunScript evaluates script and invokes cb exactly once with the result.
	RunScript(h Handle, script string, cb ScriptCallback) error

	// CaptureImage snapshots the window and invokes cb exactly once.
	CaptureImage(h Handle, cb ImageCallback) error

	Resize(h Handle, width, height int) error

	// Reposition moves the window's outer frame. Engines without a visible
	// frame return ErrUnsupported.
	Reposition(h Handle, x, y int) error

	// Events delivers page load notifications. The channel is never closed
	// while the engine is open.
	Events() <-chan Event

	Close() error
}
