package playwright

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/pagebrowse/pkg/engine"
	"github.com/entrhq/pagebrowse/pkg/logging"
)

const (
	// DefaultTimeout bounds page operations, in milliseconds.
	DefaultTimeout = 30000.0

	// DefaultViewportWidth and DefaultViewportHeight size new pages when the
	// caller does not.
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720

	eventBuffer = 64
)

// Supported browser names.
const (
	Chromium = "chromium"
	Firefox  = "firefox"
	WebKit   = "webkit"
)

// Config configures the engine.
type Config struct {
	// Browser selects the browser family. Empty means Chromium.
	Browser string

	// Install downloads the driver and browser before starting.
	Install bool

	// Timeout bounds page operations in milliseconds. Zero means
	// DefaultTimeout.
	Timeout float64

	// Logger receives diagnostics. Nil discards them.
	Logger *logging.Logger
}

// Engine is a Playwright-backed engine.Engine.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	pw       *playwright.Playwright
	browsers map[bool]playwright.Browser // keyed by headless
	slots    map[int]*slot

	events    chan engine.Event
	done      chan struct{}
	closeOnce sync.Once
}

type slot struct {
	index    int
	headless bool
	context  playwright.BrowserContext
	page     playwright.Page
}

func (s *slot) Slot() int { return s.index }

// ValidBrowser reports whether name is a supported browser family.
func ValidBrowser(name string) bool {
	switch name {
	case "", Chromium, Firefox, WebKit:
		return true
	}
	return false
}

// New starts Playwright. Browsers are launched on first use.
func New(cfg Config) (*Engine, error) {
	if !ValidBrowser(cfg.Browser) {
		return nil, fmt.Errorf("unsupported browser %q", cfg.Browser)
	}
	if cfg.Browser == "" {
		cfg.Browser = Chromium
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	// Playwright's driver output would corrupt the frame stream on stdout.
	opts := &playwright.RunOptions{
		Browsers: []string{cfg.Browser},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if cfg.Install {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &Engine{
		cfg:      cfg,
		pw:       pw,
		browsers: make(map[bool]playwright.Browser),
		slots:    make(map[int]*slot),
		events:   make(chan engine.Event, eventBuffer),
		done:     make(chan struct{}),
	}, nil
}

func (e *Engine) browserType() playwright.BrowserType {
	switch e.cfg.Browser {
	case Firefox:
		return e.pw.Firefox
	case WebKit:
		return e.pw.WebKit
	default:
		return e.pw.Chromium
	}
}

// browser returns the shared browser for the given mode. Caller holds e.mu.
func (e *Engine) browser(headless bool) (playwright.Browser, error) {
	if b, ok := e.browsers[headless]; ok {
		return b, nil
	}
	b, err := e.browserType().Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &headless,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	e.browsers[headless] = b
	return b, nil
}

// Create opens a new context and page for slot.
func (e *Engine) Create(ctx context.Context, index int, opts engine.Options) (engine.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.done:
		return nil, engine.ErrClosed
	default:
	}
	// A slot left over from a failed pool initialization is replaced.
	if old, exists := e.slots[index]; exists {
		_ = old.context.Close()
		delete(e.slots, index)
	}

	headless := !opts.Visible
	browser, err := e.browser(headless)
	if err != nil {
		return nil, err
	}

	viewport := opts.Viewport
	if viewport.Width <= 0 || viewport.Height <= 0 {
		viewport = engine.Size{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  viewport.Width,
			Height: viewport.Height,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	if opts.InitScript != nil {
		if err := bctx.AddInitScript(playwright.Script{Content: opts.InitScript}); err != nil {
			bctx.Close()
			return nil, fmt.Errorf("failed to add init script: %w", err)
		}
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(e.cfg.Timeout)

	s := &slot{index: index, headless: headless, context: bctx, page: page}
	e.slots[index] = s
	e.log().Debugf("created slot %d (headless=%v)", index, headless)
	return s, nil
}

func (e *Engine) slot(h engine.Handle) (*slot, error) {
	s, ok := h.(*slot)
	if !ok || s == nil {
		return nil, fmt.Errorf("handle %T does not belong to this engine", h)
	}
	select {
	case <-e.done:
		return nil, engine.ErrClosed
	default:
	}
	return s, nil
}

// LoadURL dispatches navigation and reports progress on Events.
func (e *Engine) LoadURL(h engine.Handle, url string) error {
	s, err := e.slot(h)
	if err != nil {
		return err
	}

	go func() {
		e.emit(engine.Event{Slot: s.index, Kind: engine.PageLoadStart, URL: url})

		waitUntil := playwright.WaitUntilState("load")
		_, err := s.page.Goto(url, playwright.PageGotoOptions{WaitUntil: &waitUntil})
		if err != nil {
			e.log().Warnf("slot %d: navigation to %s failed: %v", s.index, url, err)
			e.emit(engine.Event{Slot: s.index, Kind: engine.PageLoadFailed, URL: url, Err: err})
			return
		}
		e.emit(engine.Event{Slot: s.index, Kind: engine.PageLoadFinish, URL: url})
	}()
	return nil
}

// RunScript evaluates script in the slot's page.
func (e *Engine) RunScript(h engine.Handle, script string, cb engine.ScriptCallback) error {
	s, err := e.slot(h)
	if err != nil {
		return err
	}

	go func() {
		value, err := s.page.Evaluate(script)
		if err != nil {
			cb("", fmt.Errorf("script evaluation failed: %w", err))
			return
		}
		cb(scriptOutput(value))
	}()
	return nil
}

// scriptOutput renders an evaluation result as JSON text. Undefined and null
// results become the empty string.
func scriptOutput(value interface{}) (string, error) {
	if value == nil {
		return "", nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode script result: %w", err)
	}
	return string(data), nil
}

// CaptureImage takes a PNG screenshot of the slot's viewport.
func (e *Engine) CaptureImage(h engine.Handle, cb engine.ImageCallback) error {
	s, err := e.slot(h)
	if err != nil {
		return err
	}

	go func() {
		image, err := s.page.Screenshot()
		if err != nil {
			cb(nil, fmt.Errorf("screenshot failed: %w", err))
			return
		}
		cb(image, nil)
	}()
	return nil
}

// Resize sets the slot's viewport size.
func (e *Engine) Resize(h engine.Handle, width, height int) error {
	s, err := e.slot(h)
	if err != nil {
		return err
	}
	if err := s.page.SetViewportSize(width, height); err != nil {
		return fmt.Errorf("failed to resize: %w", err)
	}
	return nil
}

// Reposition moves a headed Chromium window.
func (e *Engine) Reposition(h engine.Handle, x, y int) error {
	s, err := e.slot(h)
	if err != nil {
		return err
	}
	if s.headless || e.cfg.Browser != Chromium {
		return engine.ErrUnsupported
	}

	cdp, err := s.context.NewCDPSession(s.page)
	if err != nil {
		return fmt.Errorf("failed to open CDP session: %w", err)
	}
	defer cdp.Detach()

	result, err := cdp.Send("Browser.getWindowForTarget", map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to look up window: %w", err)
	}
	windowID, err := windowIDFrom(result)
	if err != nil {
		return err
	}

	_, err = cdp.Send("Browser.setWindowBounds", map[string]interface{}{
		"windowId": windowID,
		"bounds": map[string]interface{}{
			"left": x,
			"top":  y,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to move window: %w", err)
	}
	return nil
}

func windowIDFrom(result interface{}) (int, error) {
	fields, ok := result.(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected CDP result %T", result)
	}
	switch id := fields["windowId"].(type) {
	case float64:
		return int(id), nil
	case int:
		return id, nil
	default:
		return 0, errors.New("CDP result has no windowId")
	}
}

// Events delivers page load notifications.
func (e *Engine) Events() <-chan engine.Event {
	return e.events
}

func (e *Engine) emit(ev engine.Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// Close closes every slot and browser and stops Playwright.
func (e *Engine) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		close(e.done)

		e.mu.Lock()
		defer e.mu.Unlock()

		for index, s := range e.slots {
			_ = s.page.Close() // Ignore errors, continue cleanup
			if err := s.context.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(e.slots, index)
		}
		for headless, b := range e.browsers {
			if err := b.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(e.browsers, headless)
		}
		if err := e.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	})
	return errors.Join(errs...)
}

func (e *Engine) log() *logging.Logger {
	if e.cfg.Logger == nil {
		return logging.Discard()
	}
	return e.cfg.Logger
}

var _ engine.Engine = (*Engine)(nil)
