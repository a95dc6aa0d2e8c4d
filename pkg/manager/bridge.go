package manager

import (
	"os"

	"github.com/entrhq/pagebrowse/pkg/engine"
	"github.com/entrhq/pagebrowse/pkg/protocol"
)

// pendingKey names the engine event a deferred response waits for.
type pendingKey struct {
	kind engine.EventKind
	url  string
}

func loadFinished(url string) pendingKey {
	return pendingKey{kind: engine.PageLoadFinish, url: url}
}

// deferUntil registers resp to be sent when key's event arrives on s. Several
// responses may wait on the same key; they are released together.
func (s *slot) deferUntil(key pendingKey, resp protocol.Response) {
	s.pending[key] = append(s.pending[key], resp)
}

// cancelLast withdraws the most recent response registered under key.
func (s *slot) cancelLast(key pendingKey) {
	responses := s.pending[key]
	if len(responses) <= 1 {
		delete(s.pending, key)
		return
	}
	s.pending[key] = responses[:len(responses)-1]
}

// take removes and returns every response waiting on key.
func (s *slot) take(key pendingKey) []protocol.Response {
	responses, ok := s.pending[key]
	if !ok {
		return nil
	}
	delete(s.pending, key)
	return responses
}

// resolve turns an engine event into the responses it completes. A failed
// load answers the navigations waiting for it with an Error.
func (p *Pool) resolve(ev engine.Event) []protocol.Response {
	s, ok := p.slotAt(ev.Slot)
	if !ok || !s.assigned {
		return nil
	}

	switch ev.Kind {
	case engine.PageLoadFinish:
		return s.take(loadFinished(ev.URL))

	case engine.PageLoadFailed:
		waiting := s.take(loadFinished(ev.URL))
		failed := make([]protocol.Response, 0, len(waiting))
		for _, resp := range waiting {
			msg := "failed to load " + ev.URL
			if ev.Err != nil {
				msg += ": " + ev.Err.Error()
			}
			failed = append(failed, protocol.Response{
				MessageID: resp.MessageID,
				Payload:   protocol.ErrorResponse{Message: msg},
			})
		}
		return failed

	default:
		return nil
	}
}

// completion carries the result of an engine callback back to the owner.
type completion struct {
	resp protocol.Response
}

// scriptCompletion builds the callback for an EvaluateScript request.
func (w *Worker) scriptCompletion(messageID uint32) engine.ScriptCallback {
	return func(output string, err error) {
		if err != nil {
			w.post(completion{resp: protocol.Fail(messageID, err.Error())})
			return
		}
		w.post(completion{resp: protocol.Reply(messageID, protocol.ScriptEvaluated{Output: output})})
	}
}

// screenshotCompletion builds the callback for a Screenshot request. The
// image is written on the callback's goroutine.
func (w *Worker) screenshotCompletion(messageID uint32, path string) engine.ImageCallback {
	return func(image []byte, err error) {
		if err != nil {
			w.post(completion{resp: protocol.Fail(messageID, err.Error())})
			return
		}
		if err := os.WriteFile(path, image, 0644); err != nil {
			w.post(completion{resp: protocol.Failf(messageID, "failed to write screenshot: %v", err)})
			return
		}
		w.post(completion{resp: protocol.Reply(messageID, protocol.OperationComplete{})})
	}
}
