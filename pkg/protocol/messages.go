package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// InitializationParams configures the manager's window pool.
type InitializationParams struct {
	PoolSize   int     `json:"pool_size"`
	Visible    bool    `json:"visible"`
	InitScript *string `json:"init_script"`
}

// Request is a client-to-manager message.
type Request struct {
	// MessageID correlates the request with its response. Requests without
	// an id are answered with an untargeted Error.
	MessageID *uint32
	Payload   RequestPayload
}

// Response is a manager-to-client message. MessageID is nil only for
// responses to input the manager could not attribute to a request.
type Response struct {
	MessageID *uint32
	Payload   ResponsePayload
}

// RequestPayload is implemented by every request variant.
type RequestPayload interface {
	requestVariant() string
}

// ResponsePayload is implemented by every response variant.
type ResponsePayload interface {
	responseVariant() string
}

// Request variants.
type (
	Initialize struct {
		Params InitializationParams
	}

	NewWindow struct{}

	ReleaseWindow struct {
		WindowID uint32 `json:"window_id"`
	}

	Navigate struct {
		WindowID    uint32 `json:"window_id"`
		URL         string `json:"url"`
		WaitForLoad bool   `json:"wait_for_load"`
	}

	ResizeWindow struct {
		WindowID uint32 `json:"window_id"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	}

	EvaluateScript struct {
		WindowID uint32 `json:"window_id"`
		Script   string `json:"script"`
	}

	Screenshot struct {
		WindowID uint32 `json:"window_id"`
		Path     string `json:"path"`
	}

	// Tester asks the manager to echo a message back.
	Tester struct {
		Message string
	}
)

// Response variants.
type (
	ErrorResponse struct {
		OriginalMessage *string `json:"original_message"`
		Message         string  `json:"message"`
	}

	NewWindowCreated struct {
		ID uint32 `json:"id"`
	}

	ScriptEvaluated struct {
		Output string `json:"output"`
	}

	OperationComplete struct{}

	TesterResponse struct {
		Message string
	}
)

func (Initialize) requestVariant() string     { return "Initialize" }
func (NewWindow) requestVariant() string      { return "NewWindow" }
func (ReleaseWindow) requestVariant() string  { return "ReleaseWindow" }
func (Navigate) requestVariant() string       { return "Navigate" }
func (ResizeWindow) requestVariant() string   { return "ResizeWindow" }
func (EvaluateScript) requestVariant() string { return "EvaluateScript" }
func (Screenshot) requestVariant() string     { return "Screenshot" }
func (Tester) requestVariant() string         { return "Tester" }

func (ErrorResponse) responseVariant() string     { return "Error" }
func (NewWindowCreated) responseVariant() string  { return "NewWindowCreated" }
func (ScriptEvaluated) responseVariant() string   { return "ScriptEvaluated" }
func (OperationComplete) responseVariant() string { return "OperationComplete" }
func (TesterResponse) responseVariant() string    { return "Tester" }

// RequestName returns the wire name of a request variant.
func RequestName(p RequestPayload) string {
	if p == nil {
		return ""
	}
	return p.requestVariant()
}

// ResponseName returns the wire name of a response variant.
func ResponseName(p ResponsePayload) string {
	if p == nil {
		return ""
	}
	return p.responseVariant()
}

// ID returns a pointer to a copy of id, for building messages.
func ID(id uint32) *uint32 {
	return &id
}

// Reply builds a response addressed to messageID.
func Reply(messageID uint32, payload ResponsePayload) Response {
	return Response{MessageID: ID(messageID), Payload: payload}
}

// Fail builds a targeted Error response.
func Fail(messageID uint32, message string) Response {
	return Reply(messageID, ErrorResponse{Message: message})
}

// Failf builds a targeted Error response from a format string.
func Failf(messageID uint32, format string, args ...any) Response {
	return Fail(messageID, fmt.Sprintf(format, args...))
}

// envelope is the JSON shape shared by requests and responses.
type envelope struct {
	MessageID *uint32         `json:"message_id"`
	Payload   json.RawMessage `json:"payload"`
}

var errMissingPayload = errors.New("missing payload")

// MarshalJSON implements json.Marshaler.
func (r Request) MarshalJSON() ([]byte, error) {
	if r.Payload == nil {
		return nil, errMissingPayload
	}
	payload, err := marshalVariant(r.Payload.requestVariant(), requestBody(r.Payload))
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{MessageID: r.MessageID, Payload: payload})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Request) UnmarshalJSON(data []byte) error {
	env, err := unmarshalEnvelope(data)
	if err != nil {
		return err
	}
	name, body, err := splitVariant(env.Payload)
	if err != nil {
		return err
	}
	decode, ok := requestDecoders[name]
	if !ok {
		return fmt.Errorf("unknown request variant %q", name)
	}
	payload, err := decode(body)
	if err != nil {
		return fmt.Errorf("invalid %s request: %w", name, err)
	}
	r.MessageID = env.MessageID
	r.Payload = payload
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Payload == nil {
		return nil, errMissingPayload
	}
	payload, err := marshalVariant(r.Payload.responseVariant(), responseBody(r.Payload))
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{MessageID: r.MessageID, Payload: payload})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Response) UnmarshalJSON(data []byte) error {
	env, err := unmarshalEnvelope(data)
	if err != nil {
		return err
	}
	name, body, err := splitVariant(env.Payload)
	if err != nil {
		return err
	}
	decode, ok := responseDecoders[name]
	if !ok {
		return fmt.Errorf("unknown response variant %q", name)
	}
	payload, err := decode(body)
	if err != nil {
		return fmt.Errorf("invalid %s response: %w", name, err)
	}
	r.MessageID = env.MessageID
	r.Payload = payload
	return nil
}

// noBody marks a unit variant, which is encoded as a bare string.
type noBody struct{}

func requestBody(p RequestPayload) any {
	switch v := p.(type) {
	case NewWindow, *NewWindow:
		return noBody{}
	case Initialize:
		return v.Params
	case *Initialize:
		return v.Params
	case Tester:
		return v.Message
	case *Tester:
		return v.Message
	default:
		return v
	}
}

func responseBody(p ResponsePayload) any {
	switch v := p.(type) {
	case OperationComplete, *OperationComplete:
		return noBody{}
	case TesterResponse:
		return v.Message
	case *TesterResponse:
		return v.Message
	default:
		return v
	}
}

func marshalVariant(name string, body any) (json.RawMessage, error) {
	if _, isUnit := body.(noBody); isUnit {
		return json.Marshal(name)
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return json.Marshal(map[string]json.RawMessage{name: encoded})
}

func unmarshalEnvelope(data []byte) (envelope, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return envelope{}, err
	}
	if obj == nil {
		return envelope{}, errors.New("message must be a JSON object")
	}
	payload, ok := obj["payload"]
	if !ok {
		return envelope{}, errors.New("missing field `payload`")
	}
	env := envelope{Payload: payload}
	if raw, ok := obj["message_id"]; ok && !isNull(raw) {
		var id uint32
		if err := json.Unmarshal(raw, &id); err != nil {
			return envelope{}, fmt.Errorf("invalid message_id: %w", err)
		}
		env.MessageID = &id
	}
	return env, nil
}

// splitVariant separates an externally tagged variant into its name and
// body. Unit variants come back with a nil body.
func splitVariant(raw json.RawMessage) (string, json.RawMessage, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name, nil, nil
	}
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil || tagged == nil {
		return "", nil, errors.New("payload must be a variant name or a single-key object")
	}
	if len(tagged) != 1 {
		return "", nil, fmt.Errorf("payload must have exactly one variant, got %d", len(tagged))
	}
	for name, body := range tagged {
		return name, body, nil
	}
	panic("unreachable")
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func unit[T any](v T) func(json.RawMessage) (T, error) {
	return func(body json.RawMessage) (T, error) {
		if !isNull(body) {
			return v, errors.New("unit variant takes no content")
		}
		return v, nil
	}
}

// fields decodes a struct variant after checking that every required key is
// present, since encoding/json silently zero-fills missing fields.
func fields[T any](required ...string) func(json.RawMessage) (T, error) {
	return func(body json.RawMessage) (T, error) {
		var v T
		if isNull(body) {
			return v, errors.New("missing variant content")
		}
		var present map[string]json.RawMessage
		if err := json.Unmarshal(body, &present); err != nil {
			return v, err
		}
		for _, key := range required {
			if _, ok := present[key]; !ok {
				return v, fmt.Errorf("missing field `%s`", key)
			}
		}
		if err := json.Unmarshal(body, &v); err != nil {
			return v, err
		}
		return v, nil
	}
}

func text(body json.RawMessage) (string, error) {
	var s string
	if isNull(body) {
		return s, errors.New("missing variant content")
	}
	err := json.Unmarshal(body, &s)
	return s, err
}

func asRequest[T RequestPayload](decode func(json.RawMessage) (T, error)) func(json.RawMessage) (RequestPayload, error) {
	return func(body json.RawMessage) (RequestPayload, error) {
		v, err := decode(body)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

func asResponse[T ResponsePayload](decode func(json.RawMessage) (T, error)) func(json.RawMessage) (ResponsePayload, error) {
	return func(body json.RawMessage) (ResponsePayload, error) {
		v, err := decode(body)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

var requestDecoders = map[string]func(json.RawMessage) (RequestPayload, error){
	"Initialize": asRequest(func(body json.RawMessage) (Initialize, error) {
		params, err := fields[InitializationParams]("pool_size", "visible")(body)
		return Initialize{Params: params}, err
	}),
	"NewWindow":      asRequest(unit(NewWindow{})),
	"ReleaseWindow":  asRequest(fields[ReleaseWindow]("window_id")),
	"Navigate":       asRequest(fields[Navigate]("window_id", "url", "wait_for_load")),
	"ResizeWindow":   asRequest(fields[ResizeWindow]("window_id", "width", "height")),
	"EvaluateScript": asRequest(fields[EvaluateScript]("window_id", "script")),
	"Screenshot":     asRequest(fields[Screenshot]("window_id", "path")),
	"Tester": asRequest(func(body json.RawMessage) (Tester, error) {
		s, err := text(body)
		return Tester{Message: s}, err
	}),
}

var responseDecoders = map[string]func(json.RawMessage) (ResponsePayload, error){
	"Error":             asResponse(fields[ErrorResponse]("message")),
	"NewWindowCreated":  asResponse(fields[NewWindowCreated]("id")),
	"ScriptEvaluated":   asResponse(fields[ScriptEvaluated]("output")),
	"OperationComplete": asResponse(unit(OperationComplete{})),
	"Tester": asResponse(func(body json.RawMessage) (TesterResponse, error) {
		s, err := text(body)
		return TesterResponse{Message: s}, err
	}),
}
