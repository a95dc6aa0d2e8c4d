package protocol

import "fmt"

// FrameErrorKind classifies why a frame could not be decoded.
type FrameErrorKind int

const (
	// InvalidEncoding means the frame body was not valid base64.
	InvalidEncoding FrameErrorKind = iota
	// InvalidPayload means the decoded bytes were not a valid message.
	InvalidPayload
)

func (k FrameErrorKind) String() string {
	switch k {
	case InvalidEncoding:
		return "invalid encoding"
	case InvalidPayload:
		return "invalid payload"
	default:
		return fmt.Sprintf("FrameErrorKind(%d)", int(k))
	}
}

// FrameError reports a frame that could not be decoded.
type FrameError struct {
	Kind FrameErrorKind
	// Raw holds the decoded text for InvalidPayload errors when it is valid
	// UTF-8.
	Raw *string
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Response builds the untargeted Error response sent back for the frame.
func (e *FrameError) Response() Response {
	payload := ErrorResponse{}
	switch {
	case e.Kind == InvalidEncoding:
		payload.Message = "Unparseable message, not valid base64"
	case e.Raw != nil && e.Err != nil:
		raw := *e.Raw
		payload.OriginalMessage = &raw
		payload.Message = e.Err.Error()
	default:
		payload.Message = "Pagebrowse was unable to parse the message it was provided via the service"
	}
	return Response{Payload: payload}
}
