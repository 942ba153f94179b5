package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/haasonsaas/relay/internal/config"
)

func testTransport() *stdioTransport {
	return newStdioTransport("test", config.MCPServerConfig{Command: "server"}, slog.Default())
}

func TestDispatchRoutesToWaiter(t *testing.T) {
	tr := testTransport()

	ch := make(chan *JSONRPCResponse, 1)
	tr.pending[7] = ch

	tr.dispatch(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`)

	select {
	case resp := <-ch:
		var result map[string]bool
		if err := json.Unmarshal(resp.Result, &result); err != nil || !result["ok"] {
			t.Errorf("result = %s", resp.Result)
		}
	default:
		t.Fatal("response not delivered to waiter")
	}

	if _, still := tr.pending[7]; still {
		t.Error("pending entry not cleared")
	}
}

func TestDispatchIgnoresNotifications(t *testing.T) {
	tr := testTransport()
	ch := make(chan *JSONRPCResponse, 1)
	tr.pending[1] = ch

	tr.dispatch(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`)
	tr.dispatch(`not json at all`)

	select {
	case <-ch:
		t.Fatal("non-response line delivered to waiter")
	default:
	}
}

func TestDispatchErrorResponse(t *testing.T) {
	tr := testTransport()
	ch := make(chan *JSONRPCResponse, 1)
	tr.pending[3] = ch

	tr.dispatch(`{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"method not found"}}`)

	resp := <-ch
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestConnectRequiresCommand(t *testing.T) {
	tr := newStdioTransport("empty", config.MCPServerConfig{}, slog.Default())
	if err := tr.Connect(context.Background()); err == nil {
		t.Error("connect with empty command should fail")
	}
}
