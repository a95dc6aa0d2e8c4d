// Package manager hosts the window pool behind the pagebrowse wire protocol.
//
// A Worker owns the Pool and every piece of mutable state. One goroutine
// (the owner) consumes a single event queue fed by the frame reader and by
// engine callbacks, and also drains the engine's page load events. Handlers
// never block on the engine: navigation completes when its load event
// arrives, scripts and screenshots when their callbacks fire.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/entrhq/pagebrowse/pkg/engine"
	"github.com/entrhq/pagebrowse/pkg/logging"
	"github.com/entrhq/pagebrowse/pkg/protocol"
	"github.com/entrhq/pagebrowse/pkg/transport"
)

const (
	eventBuffer    = 128
	outboundBuffer = 128
)

// ErrAlreadyServing is returned when Serve is called twice.
var ErrAlreadyServing = errors.New("manager: worker is already serving")

// URLPolicy decides whether a window may navigate to a URL.
type URLPolicy interface {
	Allowed(url string) bool
}

// PathResolver maps a requested screenshot path to the file to write.
type PathResolver interface {
	Resolve(path string) (string, error)
}

// Options configure a Worker.
type Options struct {
	// Engine hosts the pool's windows. Required.
	Engine engine.Engine

	// Logger receives diagnostics. Nil discards them.
	Logger *logging.Logger

	// Metrics, when set, tracks pool occupancy and request outcomes.
	Metrics *Metrics

	// Policy rejects navigations it does not allow. Nil allows all.
	Policy URLPolicy

	// Screenshots restricts screenshot destinations. Nil writes paths as
	// given.
	Screenshots PathResolver

	// Viewport is the initial page size of each window.
	Viewport engine.Size
}

// Worker serves one client connection against one pool.
type Worker struct {
	eng     engine.Engine
	log     *logging.Logger
	metrics *Metrics
	policy  URLPolicy
	paths   PathResolver

	viewport engine.Size

	pool   *Pool
	outbox []protocol.Response

	events    chan any
	stopped   chan struct{}
	serveOnce sync.Once
}

// Owner-loop events.
type (
	requestEvent struct {
		req protocol.Request
	}

	frameErrorEvent struct {
		err *protocol.FrameError
	}

	inputClosedEvent struct {
		err error
	}
)

// NewWorker creates a worker. The pool is created by Preinitialize or by
// the client's Initialize request.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Engine == nil {
		return nil, errors.New("manager: engine is required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Worker{
		eng:      opts.Engine,
		log:      log,
		metrics:  opts.Metrics,
		policy:   opts.Policy,
		paths:    opts.Screenshots,
		viewport: opts.Viewport,
		events:   make(chan any, eventBuffer),
		stopped:  make(chan struct{}),
	}, nil
}

// Preinitialize creates the pool before any client request, as if an
// Initialize request had been accepted. A later Initialize is rejected.
func (w *Worker) Preinitialize(ctx context.Context, params protocol.InitializationParams) error {
	if w.pool != nil {
		return errors.New("manager: pool already initialized")
	}
	return w.initialize(ctx, params)
}

// Serve reads requests from r and writes responses to out until r reaches
// EOF, ctx is cancelled, or writing fails. EOF on r is a clean shutdown and
// returns nil.
func (w *Worker) Serve(ctx context.Context, r io.Reader, out io.Writer) error {
	started := false
	w.serveOnce.Do(func() { started = true })
	if !started {
		return ErrAlreadyServing
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan []byte, outboundBuffer)
	writer := transport.NewWriter(out)

	g, gctx := errgroup.WithContext(ctx)

	// The writer drains until the owner closes frames, so responses queued
	// before shutdown still go out.
	g.Go(func() error {
		if err := writer.Run(context.Background(), frames); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer close(frames)
		defer close(w.stopped)
		return w.run(gctx, frames)
	})

	// Reads from r cannot be interrupted, so the reader is not part of the
	// group; it exits with the stream.
	go w.readLoop(gctx, transport.NewReader(r))

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (w *Worker) readLoop(ctx context.Context, r *transport.Reader) {
	for {
		frame, err := r.Next()
		if err != nil {
			w.postCtx(ctx, inputClosedEvent{err: err})
			return
		}

		req, err := protocol.DecodeRequest(frame)
		if err != nil {
			var fe *protocol.FrameError
			if !errors.As(err, &fe) {
				fe = &protocol.FrameError{Kind: protocol.InvalidPayload, Err: err}
			}
			if !w.postCtx(ctx, frameErrorEvent{err: fe}) {
				return
			}
			continue
		}

		if !w.postCtx(ctx, requestEvent{req: req}) {
			return
		}
	}
}

func (w *Worker) postCtx(ctx context.Context, ev any) bool {
	select {
	case w.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopped:
		return false
	}
}

// post hands an event to the owner from an engine callback. Events posted
// after the owner stopped are dropped.
func (w *Worker) post(ev any) {
	select {
	case w.events <- ev:
	case <-w.stopped:
	}
}

// run is the owner loop. It is the only code that touches w.pool.
func (w *Worker) run(ctx context.Context, frames chan<- []byte) error {
	engineEvents := w.eng.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-engineEvents:
			w.handleEngineEvent(ev)

		case ev := <-w.events:
			switch ev := ev.(type) {
			case requestEvent:
				w.handleRequest(ctx, ev.req)
			case frameErrorEvent:
				w.metrics.recordFrameError(ev.err.Kind)
				w.log.Warnf("dropping undecodable frame: %v", ev.err)
				w.emit(ev.err.Response())
			case completion:
				w.emit(ev.resp)
			case inputClosedEvent:
				if ev.err != nil && !errors.Is(ev.err, io.EOF) {
					w.log.Errorf("input failed: %v", ev.err)
				} else {
					w.log.Infof("input closed, shutting down")
				}
				return w.flush(ctx, frames)
			}
		}

		w.metrics.observePool(w.pool)
		if err := w.flush(ctx, frames); err != nil {
			return err
		}
	}
}

func (w *Worker) handleEngineEvent(ev engine.Event) {
	w.metrics.recordEvent(ev.Kind)
	w.log.Debugf("slot %d: %s %s", ev.Slot, ev.Kind, ev.URL)
	if w.pool == nil {
		return
	}
	for _, resp := range w.pool.resolve(ev) {
		w.emit(resp)
	}
}

// emit queues a response for the writer.
func (w *Worker) emit(resp protocol.Response) {
	w.outbox = append(w.outbox, resp)
}

func (w *Worker) flush(ctx context.Context, frames chan<- []byte) error {
	for _, resp := range w.outbox {
		frame, err := protocol.EncodeResponse(resp)
		if err != nil {
			w.log.Errorf("failed to encode %s response: %v", protocol.ResponseName(resp.Payload), err)
			continue
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
			w.outbox = w.outbox[:0]
			return ctx.Err()
		}
	}
	w.outbox = w.outbox[:0]
	return nil
}
