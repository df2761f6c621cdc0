// Command mcp-client is a runnable demonstration of the client side of
// the transport core: it connects to an mcp-server instance (or any
// Streamable HTTP / legacy HTTP+SSE endpoint), sends an initialize
// request followed by a handful of echoes, and logs what it observes —
// grounded on the teacher's examples/http runClient.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/mcpstream/core/client"
	"github.com/mcpstream/core/internal/jsonrpc2"
)

var cli struct {
	Endpoint string        `arg:"" help:"server endpoint, e.g. http://localhost:8080/mcp"`
	Mode     string        `default:"auto" enum:"auto,streamable,sse" help:"transport mode: auto, streamable, or sse"`
	Timeout  time.Duration `default:"30s" help:"connection timeout"`
	Name     string        `default:"mcp-client" help:"client name sent in the initialize request's clientInfo"`
	Echoes   int           `default:"3" help:"number of echo round-trips to send after initialize"`
}

func main() {
	kong.Parse(&cli, kong.Description("Connects to an MCP HTTP endpoint and exercises initialize + echo."))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	mode, err := parseMode(cli.Mode)
	if err != nil {
		logger.Error("invalid mode", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()

	tr, err := client.Connect(ctx, client.Options{
		Endpoint:          cli.Endpoint,
		Mode:              mode,
		ConnectionTimeout: cli.Timeout,
		Name:              cli.Name,
	})
	if err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer tr.Close()

	runCtx, runCancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer runCancel()

	initReq := &jsonrpc2.Request{
		ID:     jsonrpc2.Int64ID(1),
		Method: "initialize",
		Params: []byte(fmt.Sprintf(`{"clientInfo":{"name":%q}}`, cli.Name)),
	}
	if err := tr.Send(runCtx, initReq); err != nil {
		logger.Error("send initialize failed", "error", err)
		os.Exit(1)
	}
	initResp, err := tr.Recv(runCtx)
	if err != nil {
		logger.Error("recv initialize response failed", "error", err)
		os.Exit(1)
	}
	logger.Info("initialized", "session_id", tr.SessionID(), "response", fmt.Sprintf("%+v", initResp))

	for i := 0; i < cli.Echoes; i++ {
		id := jsonrpc2.Int64ID(int64(i + 2))
		req := &jsonrpc2.Request{
			ID:     id,
			Method: "echo",
			Params: []byte(fmt.Sprintf(`{"seq":%d}`, i)),
		}
		if err := tr.Send(runCtx, req); err != nil {
			logger.Error("send echo failed", "seq", i, "error", err)
			continue
		}
		resp, err := tr.Recv(runCtx)
		if err != nil {
			logger.Error("recv echo response failed", "seq", i, "error", err)
			continue
		}
		logger.Info("echo", "seq", i, "response", fmt.Sprintf("%+v", resp))
	}
}

func parseMode(s string) (client.Mode, error) {
	switch s {
	case "auto":
		return client.AutoDetect, nil
	case "streamable":
		return client.StreamableHTTP, nil
	case "sse":
		return client.SSE, nil
	default:
		return client.AutoDetect, fmt.Errorf("unknown mode %q", s)
	}
}
