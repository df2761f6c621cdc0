package jsonrpc2

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeRequest(t *testing.T) {
	want := &Request{ID: Int64ID(1), Method: "initialize", Params: rawMessage(`{"a":1}`)}
	data, err := EncodeMessage(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeMessage(data)
	if err != nil {
		t.Fatal(err)
	}
	gotReq, ok := got.(*Request)
	if !ok {
		t.Fatalf("got %T, want *Request", got)
	}
	if !gotReq.ID.Equal(want.ID) || gotReq.Method != want.Method {
		t.Errorf("round trip mismatch: got %+v, want %+v", gotReq, want)
	}
	if diff := cmp.Diff(string(want.Params), string(gotReq.Params)); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecodeStringID(t *testing.T) {
	want := &Response{ID: StringID("abc"), Result: rawMessage(`"ok"`)}
	data, err := EncodeMessage(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeMessage(data)
	if err != nil {
		t.Fatal(err)
	}
	gotResp := got.(*Response)
	if !gotResp.ID.Equal(want.ID) {
		t.Errorf("got id %v, want %v", gotResp.ID, want.ID)
	}
}

func TestDecodeNotification(t *testing.T) {
	got, err := DecodeMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatal(err)
	}
	n, ok := got.(*Notification)
	if !ok {
		t.Fatalf("got %T, want *Notification", got)
	}
	if n.Method != "notifications/initialized" {
		t.Errorf("got method %q", n.Method)
	}
}

func TestDecodeNullIsFatal(t *testing.T) {
	if _, err := DecodeMessage([]byte(`null`)); err == nil {
		t.Fatal("expected error decoding null message")
	}
}

func TestDecodeCaseSmuggling(t *testing.T) {
	// "Method" instead of "method" must not silently satisfy the method
	// field via Go's default case-insensitive unmarshaling.
	_, err := DecodeMessage([]byte(`{"jsonrpc":"2.0","id":1,"Method":"x"}`))
	if err == nil {
		t.Fatal("expected error for case-mismatched field")
	}
}

func TestReadBatchScalar(t *testing.T) {
	msgs, isBatch, err := ReadBatch([]byte(`  {"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatal(err)
	}
	if isBatch {
		t.Error("expected scalar, not batch")
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestReadBatchArray(t *testing.T) {
	body := `[{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}},{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{}}]`
	msgs, isBatch, err := ReadBatch([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if !isBatch {
		t.Error("expected batch")
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	ids := map[int64]bool{}
	for _, m := range msgs {
		req := m.(*Request)
		ids[req.ID.Raw().(int64)] = true
	}
	if !ids[1] || !ids[2] {
		t.Errorf("got ids %v, want {1,2}", ids)
	}
}

func TestReadBatchEmptyArray(t *testing.T) {
	if _, _, err := ReadBatch([]byte(`[]`)); err == nil {
		t.Fatal("expected error for empty batch")
	}
}
