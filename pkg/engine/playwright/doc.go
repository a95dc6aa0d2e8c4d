// Package playwright implements engine.Engine on top of Playwright.
//
// # Architecture
//
// The engine drives one Playwright instance and launches at most two browser
// processes: one headless, one headed. Each pool slot is an isolated browser
// context with a single page, so slots never share cookies or storage.
//
//  1. Browser: launched lazily on the first Create for a given visibility
//  2. Context: one per slot, carrying the init script and viewport
//  3. Page: the slot's only page; all commands target it
//
// # Page Loads
//
// LoadURL returns as soon as the navigation is dispatched. A goroutine waits
// for the page's load event and reports PageLoadStart, then PageLoadFinish or
// PageLoadFailed, on the Events channel. Events carry the URL passed to
// LoadURL rather than the final URL after redirects, so a waiting caller can
// match on what it asked for.
//
// # Window Placement
//
// Reposition uses the Chrome DevTools Protocol (Browser.setWindowBounds) and
// is only available for headed Chromium. Other configurations return
// engine.ErrUnsupported.
//
// # Example Usage
//
//	eng, err := playwright.New(playwright.Config{Browser: "chromium", Install: true})
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	h, err := eng.Create(ctx, 0, engine.Options{Visible: false})
//	err = eng.LoadURL(h, "https://example.com")
//	for ev := range eng.Events() {
//	    if ev.Kind == engine.PageLoadFinish {
//	        break
//	    }
//	}
package playwright
