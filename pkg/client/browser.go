// Package client drives a pagebrowse manager process.
//
// A Browser owns the connection: it numbers requests, sends them, and routes
// each response back to the caller that is waiting for it. Any number of
// goroutines may issue calls at once. Windows leased from the pool are
// represented by *Window and must be released with Close or Release.
//
//	browser, err := client.NewBuilder(4).Launch(ctx)
//	if err != nil {
//	    return err
//	}
//	defer browser.Close()
//
//	win, err := browser.NewWindow(ctx)
//	if err != nil {
//	    return err
//	}
//	defer win.Close()
//
//	err = win.Navigate(ctx, "https://example.com", true)
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/entrhq/pagebrowse/pkg/logging"
	"github.com/entrhq/pagebrowse/pkg/protocol"
	"github.com/entrhq/pagebrowse/pkg/transport"
)

// closeTimeout bounds how long Close waits for the manager to exit.
const closeTimeout = 5 * time.Second

// Browser is a connection to a pagebrowse manager.
type Browser struct {
	log    *logging.Logger
	writer *transport.Writer

	// mu serializes id allocation with sending, so ids reach the manager in
	// order. Callers never hold it while waiting.
	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan protocol.Response

	done chan struct{}
	err  error // why the connection ended; set before done is closed

	cmd       *exec.Cmd
	closeOnce sync.Once
	closeErr  error
}

// NewBrowser starts a connection over an existing stream pair: r carries
// frames from the manager and w carries frames to it. Closing the Browser
// closes w if it is an io.Closer.
func NewBrowser(r io.Reader, w io.Writer, logger *logging.Logger) *Browser {
	if logger == nil {
		logger = logging.Discard()
	}
	b := &Browser{
		log:     logger,
		writer:  transport.NewWriter(w),
		pending: make(map[uint32]chan protocol.Response),
		done:    make(chan struct{}),
	}
	go b.readLoop(transport.NewReader(r))
	return b
}

// Call sends a request and waits for its response. An Error response is
// returned as *RemoteError. If the connection fails the error wraps
// ErrConnectionClosed; if ctx ends first, the response is discarded when it
// arrives. A NewWindow request abandoned this way is still queued in the
// manager, so the window it is eventually granted is released again.
func (b *Browser) Call(ctx context.Context, payload protocol.RequestPayload) (protocol.ResponsePayload, error) {
	id, replies, err := b.send(payload)
	if err != nil {
		return nil, err
	}
	return b.wait(ctx, id, payload, replies)
}

func (b *Browser) wait(ctx context.Context, id uint32, payload protocol.RequestPayload, replies chan protocol.Response) (protocol.ResponsePayload, error) {
	select {
	case resp := <-replies:
		return unwrapResponse(resp.Payload)
	case <-b.done:
		// A response delivered just before the connection dropped still
		// counts.
		select {
		case resp := <-replies:
			return unwrapResponse(resp.Payload)
		default:
		}
		return nil, b.connectionError()
	case <-ctx.Done():
		if _, lease := payload.(protocol.NewWindow); lease {
			go b.releaseAbandoned(replies)
		} else {
			b.forget(id)
		}
		return nil, ctx.Err()
	}
}

func (b *Browser) send(payload protocol.RequestPayload) (uint32, chan protocol.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return 0, nil, b.connectionError()
	default:
	}

	id := b.allocateID()
	frame, err := protocol.EncodeRequest(protocol.Request{MessageID: protocol.ID(id), Payload: payload})
	if err != nil {
		return 0, nil, err
	}

	// Registered before sending so the reply cannot outrun it.
	replies := make(chan protocol.Response, 1)
	b.pending[id] = replies

	if err := b.writer.Write(frame); err != nil {
		delete(b.pending, id)
		return 0, nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return id, replies, nil
}

// allocateID returns the next id not held by an outstanding call. Caller
// holds b.mu.
func (b *Browser) allocateID() uint32 {
	for {
		id := b.nextID
		b.nextID++
		if _, busy := b.pending[id]; !busy {
			return id
		}
	}
}

func (b *Browser) forget(id uint32) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Browser) readLoop(r *transport.Reader) {
	var cause error
	for {
		frame, err := r.Next()
		if err != nil {
			cause = err
			break
		}

		resp, err := protocol.DecodeResponse(frame)
		if err != nil {
			b.log.Errorf("dropping undecodable frame from manager: %v", err)
			continue
		}
		b.dispatch(resp)
	}
	b.shutdown(cause)
}

func (b *Browser) dispatch(resp protocol.Response) {
	name := protocol.ResponseName(resp.Payload)
	if resp.MessageID == nil {
		if e, ok := resp.Payload.(protocol.ErrorResponse); ok {
			b.log.Warnf("manager reported an untargeted error: %s", e.Message)
		} else {
			b.log.Warnf("dropping %s response without message_id", name)
		}
		return
	}

	id := *resp.MessageID
	b.mu.Lock()
	replies, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()

	if !ok {
		b.log.Warnf("dropping %s response for unknown message %d", name, id)
		return
	}
	replies <- resp
}

func (b *Browser) shutdown(cause error) {
	if cause == nil {
		cause = io.EOF
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}
	b.err = cause
	close(b.done)
	b.log.Infof("connection to manager closed: %v", cause)
}

func (b *Browser) connectionError() error {
	if b.err == nil || errors.Is(b.err, io.EOF) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, b.err)
}

// Done is closed when the connection to the manager ends.
func (b *Browser) Done() <-chan struct{} {
	return b.done
}

// Err returns why the connection ended, or nil while it is open.
func (b *Browser) Err() error {
	select {
	case <-b.done:
		return b.connectionError()
	default:
		return nil
	}
}

// Initialize asks the manager to create its pool.
func (b *Browser) Initialize(ctx context.Context, params protocol.InitializationParams) error {
	req := protocol.Initialize{Params: params}
	_, err := expect[protocol.OperationComplete](b.Call(ctx, req))
	return describe(req, err)
}

// NewWindow leases a window, waiting for one to be released if the pool is
// exhausted.
//
// If ctx ends while the request is queued, the lease is released as soon as
// the manager grants it.
func (b *Browser) NewWindow(ctx context.Context) (*Window, error) {
	req := protocol.NewWindow{}
	created, err := expect[protocol.NewWindowCreated](b.Call(ctx, req))
	if err != nil {
		return nil, describe(req, err)
	}
	return newWindow(b, created.ID), nil
}

// releaseAbandoned waits for a grant nobody is waiting for and hands the
// window straight back.
func (b *Browser) releaseAbandoned(replies chan protocol.Response) {
	select {
	case resp := <-replies:
		if created, ok := resp.Payload.(protocol.NewWindowCreated); ok {
			b.log.Debugf("releasing abandoned window %d", created.ID)
			_ = newWindow(b, created.ID).Close()
		}
	case <-b.done:
	}
}

// Tester sends a diagnostic echo request and returns the manager's reply.
func (b *Browser) Tester(ctx context.Context, message string) (string, error) {
	req := protocol.Tester{Message: message}
	echo, err := expect[protocol.TesterResponse](b.Call(ctx, req))
	if err != nil {
		return "", describe(req, err)
	}
	return echo.Message, nil
}

// Close ends the connection. For a launched manager it closes the
// manager's input, waits for it to exit, and kills it if it does not.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		if err := b.writer.Close(); err != nil {
			b.log.Warnf("failed to close manager input: %v", err)
		}
		if b.cmd == nil {
			return
		}

		select {
		case <-b.done:
		case <-time.After(closeTimeout):
			b.log.Warnf("manager did not exit within %s, killing it", closeTimeout)
			_ = b.cmd.Process.Kill()
			<-b.done
		}

		if err := b.cmd.Wait(); err != nil {
			b.closeErr = fmt.Errorf("manager exited: %w", err)
		}
	})
	return b.closeErr
}

func unwrapResponse(payload protocol.ResponsePayload) (protocol.ResponsePayload, error) {
	if e, ok := payload.(protocol.ErrorResponse); ok {
		return nil, &RemoteError{Message: e.Message, OriginalMessage: e.OriginalMessage}
	}
	return payload, nil
}

// expect narrows a Call result to the variant T.
func expect[T protocol.ResponsePayload](payload protocol.ResponsePayload, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	v, ok := payload.(T)
	if !ok {
		return zero, &UnexpectedResponseError{
			Request:  protocol.ResponseName(zero),
			Response: protocol.ResponseName(payload),
		}
	}
	return v, nil
}

// describe names the request in an error.
func describe(req protocol.RequestPayload, err error) error {
	if err == nil {
		return nil
	}
	var unexpected *UnexpectedResponseError
	if errors.As(err, &unexpected) {
		unexpected.Request = protocol.RequestName(req)
	}
	return err
}
