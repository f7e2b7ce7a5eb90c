package droid

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Message is an inbound protocol message: one of *Request, *Response,
// *Notification or *Malformed.
type Message interface {
	isMessage()
}

// Request is an inbound request from the agent that expects a response.
type Request struct {
	// ID is kept verbatim so the response echoes exactly what the agent sent.
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// IDString returns the request id in its normalized string form.
func (r *Request) IDString() string { return normalizeID(r.ID) }

// Response answers a request this side issued.
type Response struct {
	// ID is the normalized id; empty when the agent replied with id null.
	ID     string
	Result json.RawMessage
	Error  *Error
}

// Notification is a fire-and-forget message from the agent.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Malformed wraps a line that could not be classified. It is recorded and
// otherwise ignored so one bad line never stalls the stream.
type Malformed struct {
	Raw string
	Err error
}

func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}
func (*Malformed) isMessage()    {}

// ProtocolError describes why a line was classified as Malformed.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrMissingDiscriminator is reported for envelopes without a "type" field.
var ErrMissingDiscriminator = errors.New("missing type discriminator")

// Decode classifies a single line. It never fails: anything that is not a
// well-formed request, response or notification becomes *Malformed.
func Decode(line string) Message {
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return malformed(line, "invalid json", err)
	}

	switch env.Type {
	case TypeResponse:
		if env.ID == nil {
			return malformed(line, "response without id", nil)
		}
		return &Response{ID: normalizeID(env.ID), Result: env.Result, Error: env.Error}
	case TypeRequest:
		if env.Method == "" {
			return malformed(line, "request without method", nil)
		}
		if isNullID(env.ID) {
			return malformed(line, "request without id", nil)
		}
		return &Request{ID: env.ID, Method: env.Method, Params: env.Params}
	case TypeNotification:
		if env.Method == "" {
			return malformed(line, "notification without method", nil)
		}
		return &Notification{Method: env.Method, Params: env.Params}
	case "":
		return malformed(line, "unclassifiable envelope", ErrMissingDiscriminator)
	default:
		return malformed(line, "unknown type "+strconv.Quote(env.Type), nil)
	}
}

func malformed(line, reason string, err error) *Malformed {
	return &Malformed{Raw: line, Err: &ProtocolError{Reason: reason, Err: err}}
}

// Encoder produces framed outbound envelopes for one protocol version.
type Encoder struct {
	APIVersion string
}

func (e Encoder) version() string {
	if e.APIVersion == "" {
		return DefaultFactoryAPIVersion
	}
	return e.APIVersion
}

// Request encodes an outbound request line, newline included.
func (e Encoder) Request(id, method string, params any) ([]byte, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal id: %w", err)
	}
	rawParams, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return e.frame(&envelope{Type: TypeRequest, ID: rawID, Method: method, Params: rawParams})
}

// Response encodes the answer to an inbound request. Exactly one of result
// and rpcErr should be set.
func (e Encoder) Response(id json.RawMessage, result any, rpcErr *Error) ([]byte, error) {
	env := &envelope{Type: TypeResponse, ID: id, Error: rpcErr}
	if env.ID == nil {
		env.ID = json.RawMessage("null")
	}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		env.Result = raw
	}
	return e.frame(env)
}

// Notification encodes an outbound notification line.
func (e Encoder) Notification(method string, params any) ([]byte, error) {
	rawParams, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return e.frame(&envelope{Type: TypeNotification, Method: method, Params: rawParams})
}

func (e Encoder) frame(env *envelope) ([]byte, error) {
	env.JSONRPC = JSONRPCVersion
	env.FactoryAPIVersion = e.version()
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// normalizeID renders an id as a plain string: JSON strings are unquoted,
// numbers keep their literal text, null becomes empty.
func normalizeID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if isNullID(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

func isNullID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
