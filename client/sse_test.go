package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcpstream/core/client"
	"github.com/mcpstream/core/dispatcher"
	"github.com/mcpstream/core/internal/jsonrpc2"
	"github.com/mcpstream/core/session"
	"github.com/mcpstream/core/ssehttp"
)

func TestForcedSSEModeRoundTrip(t *testing.T) {
	reg := session.NewRegistry()
	t.Cleanup(reg.Shutdown)
	h := ssehttp.NewHandler(reg, func() dispatcher.Dispatcher { return newInitDispatcher() }, nil, "/message")
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	tr, err := client.Connect(context.Background(), client.Options{Endpoint: srv.URL + "/sse", Mode: client.SSE})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	initReq := &jsonrpc2.Request{ID: jsonrpc2.Int64ID(1), Method: "initialize", Params: []byte(`{}`)}
	if err := tr.Send(ctx, initReq); err != nil {
		t.Fatalf("send initialize: %v", err)
	}
	resp, err := tr.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	r, ok := resp.(*jsonrpc2.Response)
	if !ok || r.Error != nil {
		t.Fatalf("got %#v, want successful initialize response", resp)
	}
	if tr.SessionID() == "" {
		t.Error("expected a session id to be derivable after connecting")
	}

	echoReq := &jsonrpc2.Request{ID: jsonrpc2.Int64ID(2), Method: "echo", Params: []byte(`{"n":1}`)}
	if err := tr.Send(ctx, echoReq); err != nil {
		t.Fatalf("send echo: %v", err)
	}
	echoResp, err := tr.Recv(ctx)
	if err != nil {
		t.Fatalf("recv echo: %v", err)
	}
	if er, ok := echoResp.(*jsonrpc2.Response); !ok || string(er.Result) != `{"n":1}` {
		t.Errorf("got %#v, want echoed params", echoResp)
	}
}
