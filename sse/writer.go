// Package sse implements the Server-Sent Events framing used by both MCP
// HTTP transports: a Writer that serializes outgoing items to a byte sink,
// and Scan, which parses them back out of a byte stream on the reading
// side (the client).
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/mcpstream/core/internal/jsonrpc2"
)

// EventType distinguishes the two kinds of frame this package writes.
type EventType string

const (
	// EventMessage carries a JSON-RPC message as its data.
	EventMessage EventType = "message"
	// EventEndpoint carries a raw URL as its data; used once by the legacy
	// SSE transport to announce the POST endpoint.
	EventEndpoint EventType = "endpoint"
)

// Item is one thing to write as an SSE frame.
type Item struct {
	Type EventType
	// ID, if non-empty, is emitted as the frame's "id:" line and can later
	// be replayed via the client's Last-Event-ID header.
	ID string
	// Message is the JSON-RPC message to encode as this frame's data. Set
	// only when Type is EventMessage.
	Message jsonrpc2.Message
	// Endpoint is the raw URL bytes to use as this frame's data. Set only
	// when Type is EventEndpoint.
	Endpoint string
}

// Writer serializes a sequence of Items to w as standard SSE frames. A
// Writer is not safe for concurrent use: callers must serialize their own
// writes (the transports do this by routing all sends for one stream
// through a single goroutine reading a channel).
type Writer struct {
	w   io.Writer
	buf bytes.Buffer // reused across items to avoid repeated allocation
}

// NewWriter returns a Writer that frames items onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Flusher is implemented by response writers that support incremental
// flushing; http.ResponseWriter satisfies it whenever the underlying
// connection allows streaming.
type Flusher interface {
	Flush()
}

// WriteItem writes one SSE frame for item, flushing afterward so delivery
// is real-time rather than buffered by the HTTP stack.
func (sw *Writer) WriteItem(item Item) error {
	sw.buf.Reset()

	switch item.Type {
	case EventEndpoint:
		fmt.Fprintf(&sw.buf, "event: endpoint\n")
		if item.ID != "" {
			fmt.Fprintf(&sw.buf, "id: %s\n", item.ID)
		}
		fmt.Fprintf(&sw.buf, "data: %s\n\n", item.Endpoint)
	case EventMessage:
		data, err := jsonrpc2.EncodeMessage(item.Message)
		if err != nil {
			return fmt.Errorf("sse: encoding message: %w", err)
		}
		fmt.Fprintf(&sw.buf, "event: message\n")
		if item.ID != "" {
			fmt.Fprintf(&sw.buf, "id: %s\n", item.ID)
		}
		fmt.Fprintf(&sw.buf, "data: %s\n\n", data)
	default:
		return fmt.Errorf("sse: unknown event type %q", item.Type)
	}

	if _, err := sw.w.Write(sw.buf.Bytes()); err != nil {
		return err
	}
	if f, ok := sw.w.(Flusher); ok {
		f.Flush()
	}
	return nil
}

// Event is a parsed SSE frame, as read back by Scan.
type Event struct {
	Type EventType
	ID   string
	Data []byte
}

// Scan reads SSE frames from r until EOF or a parse error. Each frame is
// terminated by a blank line, per the SSE wire format; a frame with no
// explicit "event:" line defaults to EventMessage.
func Scan(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

		var cur Event
		var data bytes.Buffer
		haveData := false

		flush := func() (Event, bool) {
			if !haveData {
				return Event{}, false
			}
			if cur.Type == "" {
				cur.Type = EventMessage
			}
			cur.Data = append([]byte(nil), bytes.TrimSuffix(data.Bytes(), []byte("\n"))...)
			ev := cur
			cur = Event{}
			data.Reset()
			haveData = false
			return ev, true
		}

		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if ev, ok := flush(); ok {
					if !yield(ev, nil) {
						return
					}
				}
			case bytes.HasPrefix([]byte(line), []byte("event:")):
				cur.Type = EventType(trimField(line, "event:"))
			case bytes.HasPrefix([]byte(line), []byte("id:")):
				cur.ID = trimField(line, "id:")
			case bytes.HasPrefix([]byte(line), []byte("data:")):
				data.WriteString(trimField(line, "data:"))
				data.WriteByte('\n')
				haveData = true
			default:
				// Unknown field (e.g. a comment line starting with ':');
				// ignore per the SSE spec.
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Event{}, err)
			return
		}
		if ev, ok := flush(); ok {
			if !yield(ev, nil) {
				return
			}
		}
		yield(Event{}, io.EOF)
	}
}

func trimField(line, prefix string) string {
	v := line[len(prefix):]
	if len(v) > 0 && v[0] == ' ' {
		v = v[1:]
	}
	return v
}

// Pull adapts a Scan sequence into a pull-style next()/stop() pair, for
// callers that need to read a known number of frames (e.g. a bootstrap
// event) before handing the remainder of the stream to another
// goroutine. stop must be called once the caller is done with next,
// whether or not the sequence was read to completion.
func Pull(seq iter.Seq2[Event, error]) (next func() (Event, error), stop func()) {
	type result struct {
		ev  Event
		err error
	}
	results := make(chan result)
	requestMore := make(chan struct{})
	done := make(chan struct{})
	var stopOnce sync.Once

	go func() {
		defer close(results)
		seq(func(ev Event, err error) bool {
			select {
			case results <- result{ev, err}:
			case <-done:
				return false
			}
			select {
			case <-requestMore:
				return true
			case <-done:
				return false
			}
		})
	}()

	first := true
	next = func() (Event, error) {
		if !first {
			select {
			case requestMore <- struct{}{}:
			case <-done:
				return Event{}, io.EOF
			}
		}
		first = false
		r, ok := <-results
		if !ok {
			return Event{}, io.EOF
		}
		return r.ev, r.err
	}
	stop = func() { stopOnce.Do(func() { close(done) }) }
	return next, stop
}
