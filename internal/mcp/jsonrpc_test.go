package mcp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewRequestWire(t *testing.T) {
	req := NewRequest(7, "tools/call", map[string]any{"name": "revit_list_levels"})
	if req.JSONRPC != rpcVersion {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, rpcVersion)
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, frag := range []string{`"jsonrpc":"2.0"`, `"id":7`, `"method":"tools/call"`, `"revit_list_levels"`} {
		if !strings.Contains(string(data), frag) {
			t.Errorf("wire form %s missing %s", data, frag)
		}
	}
}

func TestNilParamsOmittedOnWire(t *testing.T) {
	reqData, err := json.Marshal(NewRequest(1, "ping", nil))
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if strings.Contains(string(reqData), `"params"`) {
		t.Errorf("request %s should omit nil params", reqData)
	}

	notifData, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	if strings.Contains(string(notifData), `"params"`) {
		t.Errorf("notification %s should omit nil params", notifData)
	}
	if strings.Contains(string(notifData), `"id"`) {
		t.Errorf("notification %s must not carry an id", notifData)
	}
}

func TestResponseDecode(t *testing.T) {
	t.Run("result", func(t *testing.T) {
		var resp Response
		err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":3,"result":{"tools":[]}}`), &resp)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.ID != 3 || resp.Error != nil || resp.Result == nil {
			t.Errorf("decoded %+v, want id 3 with result and no error", resp)
		}
	})

	t.Run("error", func(t *testing.T) {
		var resp Response
		err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":4,"error":{"code":-32601,"message":"Method not found"}}`), &resp)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Error == nil {
			t.Fatal("Error is nil, want populated")
		}
		if resp.Error.Code != -32601 || resp.Error.Message != "Method not found" {
			t.Errorf("Error = %+v", resp.Error)
		}
	})
}

func TestRPCErrorMessage(t *testing.T) {
	err := &RPCError{Code: -32602, Message: "invalid params"}
	if got, want := err.Error(), "jsonrpc error -32602: invalid params"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
