package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Separator terminates every frame on the wire.
const Separator byte = ','

// EncodeRequest serializes a request into a complete frame, separator
// included.
func EncodeRequest(r Request) ([]byte, error) {
	return encode(r)
}

// EncodeResponse serializes a response into a complete frame, separator
// included.
func EncodeResponse(r Response) ([]byte, error) {
	return encode(r)
}

// DecodeRequest parses one frame body into a request. A single trailing
// separator is tolerated. Failures are returned as *FrameError.
func DecodeRequest(frame []byte) (Request, error) {
	var r Request
	if err := decode(frame, &r); err != nil {
		return Request{}, err
	}
	return r, nil
}

// DecodeResponse parses one frame body into a response. A single trailing
// separator is tolerated. Failures are returned as *FrameError.
func DecodeResponse(frame []byte) (Response, error) {
	var r Response
	if err := decode(frame, &r); err != nil {
		return Response{}, err
	}
	return r, nil
}

func encode(v json.Marshaler) ([]byte, error) {
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	frame := make([]byte, base64.StdEncoding.EncodedLen(len(data))+1)
	base64.StdEncoding.Encode(frame, data)
	frame[len(frame)-1] = Separator
	return frame, nil
}

func decode(frame []byte, v json.Unmarshaler) error {
	frame = bytes.TrimSuffix(frame, []byte{Separator})

	data := make([]byte, base64.StdEncoding.DecodedLen(len(frame)))
	n, err := base64.StdEncoding.Decode(data, frame)
	if err != nil {
		return &FrameError{Kind: InvalidEncoding, Err: err}
	}
	data = data[:n]

	if err := v.UnmarshalJSON(data); err != nil {
		fe := &FrameError{Kind: InvalidPayload, Err: err}
		if utf8.Valid(data) {
			raw := string(data)
			fe.Raw = &raw
		}
		return fe
	}
	return nil
}
