package rpcproto

import (
	"encoding/json"
	"testing"

	"i3gateway/internal/gwerr"
)

func TestParseSingleRequest(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","method":"tell","params":{"target_mud":"x"},"id":1}`)
	single, batch, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if batch != nil {
		t.Fatal("expected single request, got batch")
	}
	if single.Method != "tell" || single.IsNotification() {
		t.Fatalf("unexpected request: %+v", single)
	}
}

func TestParseNotificationHasNoID(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","method":"ping"}`)
	single, _, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if !single.IsNotification() {
		t.Fatal("expected notification (no id)")
	}
}

func TestParseBatch(t *testing.T) {
	raw := []byte(`[{"jsonrpc":"2.0","method":"a","id":1},{"jsonrpc":"2.0","method":"b","id":2}]`)
	single, batch, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if single != nil {
		t.Fatal("expected batch, got single")
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 batch entries, got %d", len(batch))
	}
}

func TestParseEmptyBatchIsError(t *testing.T) {
	_, _, err := ParseMessage([]byte(`[]`))
	if err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestValidateRejectsWrongVersion(t *testing.T) {
	err := Validate(Request{JSONRPC: "1.0", Method: "x"})
	if err == nil {
		t.Fatal("expected error for wrong jsonrpc version")
	}
}

func TestValidateRejectsMissingMethod(t *testing.T) {
	err := Validate(Request{JSONRPC: Version})
	if err == nil {
		t.Fatal("expected error for missing method")
	}
}

func TestNewErrorMapsGatewayCode(t *testing.T) {
	resp := NewError(json.RawMessage(`1`), gwerr.ErrRateLimited, map[string]any{"retry_after_ms": 500})
	if resp.Error.Code != gwerr.CodeRateLimited {
		t.Fatalf("expected code %d, got %d", gwerr.CodeRateLimited, resp.Error.Code)
	}
}

func TestNewResultMarshalsPayload(t *testing.T) {
	resp, err := NewResult(json.RawMessage(`2`), map[string]string{"status": "sent"})
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	if resp.Result == nil || resp.Error != nil {
		t.Fatalf("expected a result and no error, got %+v", resp)
	}
}
