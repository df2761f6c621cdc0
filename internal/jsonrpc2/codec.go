package jsonrpc2

import (
	"bytes"
	"fmt"

	json "github.com/segmentio/encoding/json"
)

// rawMessage is the raw-JSON type used by Request/Notification/Response
// Params/Result fields. segmentio/encoding/json's RawMessage is API
// compatible with encoding/json's, so callers that do `json.RawMessage(...)`
// conversions elsewhere in this module keep working.
type rawMessage = json.RawMessage

func jsonMarshal(v any) ([]byte, error)      { return json.Marshal(v) }
func jsonUnmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// wireMessage is the shape used to classify an incoming JSON object: a
// message with a "method" field is a Request (if it has an "id") or a
// Notification (if it doesn't); a message with no "method" field is a
// Response.
type wireMessage struct {
	ID      *ID        `json:"id,omitempty"`
	Method  string     `json:"method,omitempty"`
	Params  rawMessage `json:"params,omitempty"`
	Result  rawMessage `json:"result,omitempty"`
	Error   *Error     `json:"error,omitempty"`
	Jsonrpc string     `json:"jsonrpc"`
}

// EncodeMessage serializes msg as a single JSON-RPC 2.0 wire object.
func EncodeMessage(msg Message) ([]byte, error) {
	var w wireMessage
	w.Jsonrpc = Version
	switch m := msg.(type) {
	case *Request:
		id := m.ID
		w.ID = &id
		w.Method = m.Method
		w.Params = m.Params
	case *Notification:
		w.Method = m.Method
		w.Params = m.Params
	case *Response:
		id := m.ID
		w.ID = &id
		w.Result = m.Result
		w.Error = m.Error
		if w.Result == nil && w.Error == nil {
			// JSON-RPC requires exactly one of result/error; an empty
			// result still needs an explicit "null" so the field is
			// present on the wire.
			w.Result = rawMessage("null")
		}
	default:
		return nil, fmt.Errorf("jsonrpc2: unknown message type %T", msg)
	}
	return jsonMarshal(w)
}

// DecodeMessage parses a single JSON-RPC 2.0 wire object into a Message.
// A null message (the literal JSON value `null`) is rejected, per the
// protocol: an incoming null is always a fatal framing error, never a
// valid notification or request.
func DecodeMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "null" {
		return nil, fmt.Errorf("jsonrpc2: unexpected null message")
	}
	var w wireMessage
	if err := StrictUnmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("jsonrpc2: malformed message: %w", err)
	}
	if w.Jsonrpc != Version {
		return nil, fmt.Errorf("jsonrpc2: unsupported jsonrpc version %q", w.Jsonrpc)
	}
	switch {
	case w.Method != "" && w.ID != nil:
		return &Request{ID: *w.ID, Method: w.Method, Params: w.Params}, nil
	case w.Method != "":
		return &Notification{Method: w.Method, Params: w.Params}, nil
	case w.ID != nil:
		return &Response{ID: *w.ID, Result: w.Result, Error: w.Error}, nil
	default:
		return nil, fmt.Errorf("jsonrpc2: message has neither method nor id")
	}
}

// ReadBatch parses data as either a single JSON-RPC message (the scalar
// case) or a JSON array of messages (the batch case), detected by peeking
// the first non-whitespace byte. It returns the parsed messages in order
// and whether the input was a batch.
func ReadBatch(data []byte) ([]Message, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("jsonrpc2: empty body")
	}
	if trimmed[0] != '[' {
		msg, err := DecodeMessage(trimmed)
		if err != nil {
			return nil, false, err
		}
		return []Message{msg}, false, nil
	}

	var raws []rawMessage
	if err := jsonUnmarshal(trimmed, &raws); err != nil {
		return nil, true, fmt.Errorf("jsonrpc2: malformed batch: %w", err)
	}
	if len(raws) == 0 {
		return nil, true, fmt.Errorf("jsonrpc2: empty batch")
	}
	msgs := make([]Message, 0, len(raws))
	for _, r := range raws {
		msg, err := DecodeMessage(r)
		if err != nil {
			return nil, true, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, true, nil
}
