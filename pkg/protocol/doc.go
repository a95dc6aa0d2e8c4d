// Package protocol defines the messages exchanged between a pagebrowse client
// and the pagebrowse manager process, and the frame codec that carries them.
//
// # Wire Format
//
// Every message is serialized to JSON, encoded with standard base64 and
// terminated by a single separator byte (','). There is no length prefix: a
// reader scans for the separator. Base64 output never contains ',', so the
// separator cannot appear inside a frame.
//
// Payload variants use the externally tagged enum layout:
//
//	"NewWindow"                                   unit variant
//	{"Tester":"ping"}                             newtype variant
//	{"Navigate":{"window_id":0,"url":"...","wait_for_load":true}}
//
// A complete request looks like:
//
//	{"message_id":7,"payload":{"ReleaseWindow":{"window_id":2}}}
//
// # Errors
//
// Decoding never panics. A frame that is not valid base64 yields a
// *FrameError of kind InvalidEncoding; a frame whose JSON does not describe a
// known message yields InvalidPayload. FrameError.Response builds the
// untargeted Error response the manager sends back for such frames.
package protocol
