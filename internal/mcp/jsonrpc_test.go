package mcp

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(42, MethodToolsList, struct{}{})

	if req.JSONRPC != "2.0" {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, "2.0")
	}
	if req.ID != 42 {
		t.Errorf("ID = %d, want 42", req.ID)
	}
	if req.Method != MethodToolsList {
		t.Errorf("Method = %q, want %q", req.Method, MethodToolsList)
	}
}

func TestNotificationHasNoID(t *testing.T) {
	data, err := json.Marshal(NewNotification(MethodInitialized, nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["id"]; ok {
		t.Errorf("notification carries an id: %s", data)
	}
	if _, ok := m["params"]; ok {
		t.Errorf("nil params serialized: %s", data)
	}
}

func TestMessageClassification(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		notification bool
		request      bool
		response     bool
	}{
		{"result", `{"jsonrpc":"2.0","id":1,"result":{}}`, false, false, true},
		{"error", `{"jsonrpc":"2.0","id":2,"error":{"code":-32600,"message":"bad"}}`, false, false, true},
		{"error null id", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, false, false, true},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, true, false, false},
		{"null id notification", `{"jsonrpc":"2.0","id":null,"method":"notifications/message"}`, true, false, false},
		{"server request", `{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`, false, true, false},
		{"empty", `{}`, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got := msg.IsNotification(); got != tt.notification {
				t.Errorf("IsNotification() = %v, want %v", got, tt.notification)
			}
			if got := msg.IsRequest(); got != tt.request {
				t.Errorf("IsRequest() = %v, want %v", got, tt.request)
			}
			if got := msg.IsResponse(); got != tt.response {
				t.Errorf("IsResponse() = %v, want %v", got, tt.response)
			}
		})
	}
}

func TestNumericID(t *testing.T) {
	tests := []struct {
		raw    string
		want   int64
		wantOK bool
	}{
		{`{"id":7,"result":{}}`, 7, true},
		{`{"id":"7","result":{}}`, 0, false},
		{`{"id":1.5,"result":{}}`, 0, false},
		{`{"id":null,"result":{}}`, 0, false},
		{`{"result":{}}`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			got, ok := msg.NumericID()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("NumericID() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRPCError(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"Method not found","data":{"method":"nope"}}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Error == nil {
		t.Fatal("Error is nil")
	}
	if msg.Error.Code != CodeMethodNotFound {
		t.Errorf("Code = %d, want %d", msg.Error.Code, CodeMethodNotFound)
	}

	var wrapped error = msg.Error
	var rpcErr *RPCError
	if !errors.As(wrapped, &rpcErr) {
		t.Fatal("errors.As(*RPCError) = false")
	}
	if got, want := rpcErr.Error(), "jsonrpc error -32601: Method not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestToolCallResultText(t *testing.T) {
	tests := []struct {
		name   string
		result ToolCallResult
		want   string
	}{
		{
			name:   "single text",
			result: ToolCallResult{Content: []ContentBlock{{Type: "text", Text: "5"}}},
			want:   "5",
		},
		{
			name: "mixed",
			result: ToolCallResult{Content: []ContentBlock{
				{Type: "text", Text: "line one"},
				{Type: "image", MimeType: "image/png", Data: "aGk="},
				{Type: "text", Text: "line two"},
			}},
			want: "line one\n[image]\nline two",
		},
		{
			name:   "empty",
			result: ToolCallResult{},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}
