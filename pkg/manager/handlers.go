package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/entrhq/pagebrowse/pkg/engine"
	"github.com/entrhq/pagebrowse/pkg/protocol"
)

const (
	msgNotInitialized     = "Initialize message has not been sent, Pagebrowse is not yet ready"
	msgAlreadyInitialized = "Pagebrowse is already initialized"
	msgMissingMessageID   = "request is missing a message_id"
)

// Request outcomes for metrics.
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeDeferred = "deferred"
)

func (w *Worker) handleRequest(ctx context.Context, req protocol.Request) {
	name := protocol.RequestName(req.Payload)

	if req.MessageID == nil {
		w.log.Warnf("%s request without message_id", name)
		w.metrics.recordRequest(req.Payload, outcomeError)
		w.emit(protocol.Response{Payload: protocol.ErrorResponse{Message: msgMissingMessageID}})
		return
	}
	id := *req.MessageID
	w.log.Debugf("request %d: %s", id, name)

	outcome := w.dispatch(ctx, id, req.Payload)
	w.metrics.recordRequest(req.Payload, outcome)
}

func (w *Worker) dispatch(ctx context.Context, id uint32, payload protocol.RequestPayload) string {
	if initReq, ok := payload.(protocol.Initialize); ok {
		if w.pool != nil {
			return w.fail(id, msgAlreadyInitialized)
		}
		if err := w.initialize(ctx, initReq.Params); err != nil {
			return w.fail(id, err.Error())
		}
		return w.reply(id, protocol.OperationComplete{})
	}

	if w.pool == nil {
		return w.fail(id, msgNotInitialized)
	}

	switch p := payload.(type) {
	case protocol.Tester:
		return w.reply(id, protocol.TesterResponse{Message: fmt.Sprintf("Responding to [%s]", p.Message)})
	case protocol.NewWindow:
		return w.newWindow(id)
	case protocol.ReleaseWindow:
		return w.releaseWindow(id, p)
	case protocol.Navigate:
		return w.navigate(id, p)
	case protocol.ResizeWindow:
		return w.resizeWindow(id, p)
	case protocol.EvaluateScript:
		return w.evaluateScript(id, p)
	case protocol.Screenshot:
		return w.screenshot(id, p)
	default:
		return w.fail(id, fmt.Sprintf("unsupported request %T", payload))
	}
}

func (w *Worker) reply(id uint32, payload protocol.ResponsePayload) string {
	w.emit(protocol.Reply(id, payload))
	return outcomeOK
}

func (w *Worker) fail(id uint32, message string) string {
	w.log.Warnf("request %d failed: %s", id, message)
	w.emit(protocol.Fail(id, message))
	return outcomeError
}

// initialize creates one engine window per slot and installs the pool.
func (w *Worker) initialize(ctx context.Context, params protocol.InitializationParams) error {
	if params.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", params.PoolSize)
	}

	opts := engine.Options{
		Visible:    params.Visible,
		InitScript: params.InitScript,
		Viewport:   w.viewport,
	}

	handles := make([]engine.Handle, 0, params.PoolSize)
	for i := 0; i < params.PoolSize; i++ {
		h, err := w.eng.Create(ctx, i, opts)
		if err != nil {
			return fmt.Errorf("failed to create window %d: %w", i, err)
		}
		handles = append(handles, h)
	}

	w.pool = NewPool(handles)
	w.log.Infof("pool initialized with %d windows (visible=%v)", params.PoolSize, params.Visible)
	return nil
}

func (w *Worker) newWindow(id uint32) string {
	windowID, ok := w.pool.Acquire(id)
	if !ok {
		w.log.Debugf("request %d: no free window, %d waiting", id, len(w.pool.waiting))
		return outcomeDeferred
	}
	return w.reply(id, protocol.NewWindowCreated{ID: windowID})
}

func (w *Worker) releaseWindow(id uint32, p protocol.ReleaseWindow) string {
	grant, err := w.pool.Release(p.WindowID)
	if err != nil {
		return w.fail(id, err.Error())
	}
	w.reply(id, protocol.OperationComplete{})

	if grant != nil {
		w.log.Debugf("window %d released, granting window %d to request %d", p.WindowID, grant.WindowID, grant.MessageID)
		w.emit(protocol.Reply(grant.MessageID, protocol.NewWindowCreated{ID: grant.WindowID}))
	}
	return outcomeOK
}

func (w *Worker) navigate(id uint32, p protocol.Navigate) string {
	s, ok := w.pool.lookup(p.WindowID)
	if !ok {
		return w.fail(id, fmt.Sprintf("no window with id %d", p.WindowID))
	}
	if w.policy != nil && !w.policy.Allowed(p.URL) {
		return w.fail(id, fmt.Sprintf("navigation to %s is not allowed", p.URL))
	}

	// Register before loading so a fast load event cannot be missed.
	key := loadFinished(p.URL)
	if p.WaitForLoad {
		s.deferUntil(key, protocol.Reply(id, protocol.OperationComplete{}))
	}

	if err := w.eng.LoadURL(s.handle, p.URL); err != nil {
		if p.WaitForLoad {
			s.cancelLast(key)
		}
		return w.fail(id, fmt.Sprintf("failed to load %s: %v", p.URL, err))
	}

	if p.WaitForLoad {
		return outcomeDeferred
	}
	return w.reply(id, protocol.OperationComplete{})
}

func (w *Worker) resizeWindow(id uint32, p protocol.ResizeWindow) string {
	s, ok := w.pool.lookup(p.WindowID)
	if !ok {
		return w.fail(id, fmt.Sprintf("no window with id %d", p.WindowID))
	}
	if p.Width <= 0 || p.Height <= 0 {
		return w.fail(id, fmt.Sprintf("invalid window size %dx%d", p.Width, p.Height))
	}

	if err := w.eng.Resize(s.handle, p.Width, p.Height); err != nil {
		return w.fail(id, fmt.Sprintf("failed to resize window %d: %v", p.WindowID, err))
	}

	x, y := tilePosition(p.WindowID)
	if err := w.eng.Reposition(s.handle, x, y); err != nil {
		if errors.Is(err, engine.ErrUnsupported) {
			w.log.Debugf("window %d: reposition unsupported", p.WindowID)
		} else {
			w.log.Warnf("window %d: failed to move to (%d, %d): %v", p.WindowID, x, y, err)
		}
	}

	return w.reply(id, protocol.OperationComplete{})
}

func (w *Worker) evaluateScript(id uint32, p protocol.EvaluateScript) string {
	s, ok := w.pool.lookup(p.WindowID)
	if !ok {
		return w.fail(id, fmt.Sprintf("no window with id %d", p.WindowID))
	}
	if err := w.eng.RunScript(s.handle, p.Script, w.scriptCompletion(id)); err != nil {
		return w.fail(id, fmt.Sprintf("failed to run script: %v", err))
	}
	return outcomeDeferred
}

func (w *Worker) screenshot(id uint32, p protocol.Screenshot) string {
	s, ok := w.pool.lookup(p.WindowID)
	if !ok {
		return w.fail(id, fmt.Sprintf("no window with id %d", p.WindowID))
	}

	path := p.Path
	if w.paths != nil {
		resolved, err := w.paths.Resolve(p.Path)
		if err != nil {
			return w.fail(id, err.Error())
		}
		path = resolved
	}

	if err := w.eng.CaptureImage(s.handle, w.screenshotCompletion(id, path)); err != nil {
		return w.fail(id, fmt.Sprintf("failed to capture window %d: %v", p.WindowID, err))
	}
	return outcomeDeferred
}
