package gabp_test

import (
	"encoding/json"
	"testing"
	"time"

	gabp "github.com/MegaGrindStone/go-gabp"
)

func TestMessageRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	messages := []gabp.Message{
		{
			V:      gabp.ProtocolVersion,
			ID:     "r1",
			Type:   gabp.MessageTypeRequest,
			Method: gabp.MethodSessionHello,
			Params: json.RawMessage(`{"token":"T","bridgeVersion":"0.1","platform":"linux","launchId":"L1"}`),
		},
		{
			V:      gabp.ProtocolVersion,
			ID:     "r2",
			Type:   gabp.MessageTypeResponse,
			Result: json.RawMessage(`{"ok":true}`),
		},
		{
			V:    gabp.ProtocolVersion,
			ID:   "r3",
			Type: gabp.MessageTypeResponse,
			Error: &gabp.Error{
				Code:    gabp.CodeToolNotFound,
				Message: "tool not found",
				Data:    json.RawMessage(`{"name":"no/such"}`),
			},
		},
		{
			V:         gabp.ProtocolVersion,
			ID:        "e1",
			Type:      gabp.MessageTypeEvent,
			Channel:   "system/status",
			Seq:       1,
			Payload:   json.RawMessage(`{"state":"running"}`),
			Timestamp: &now,
		},
	}

	for _, msg := range messages {
		bs, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("failed to marshal message: %v", err)
		}

		var decoded gabp.Message
		if err := json.Unmarshal(bs, &decoded); err != nil {
			t.Fatalf("failed to unmarshal message: %v", err)
		}

		assertMessagesEqual(t, msg, decoded)
	}
}

func TestMessageWireFieldNames(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	msg := gabp.Message{
		V:         gabp.ProtocolVersion,
		ID:        "e1",
		Type:      gabp.MessageTypeEvent,
		Channel:   "system/log",
		Seq:       7,
		Payload:   json.RawMessage(`{}`),
		Timestamp: &now,
	}

	bs, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(bs, &raw); err != nil {
		t.Fatalf("failed to unmarshal raw message: %v", err)
	}

	for _, key := range []string{"v", "id", "type", "channel", "seq", "payload", "timestamp"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("expected wire key %q, got keys %v", key, rawKeys(raw))
		}
	}

	req := gabp.Message{
		V:      gabp.ProtocolVersion,
		ID:     "r1",
		Type:   gabp.MessageTypeRequest,
		Method: gabp.MethodToolsCall,
		Params: json.RawMessage(`{}`),
	}
	bs, err = json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	raw = nil
	if err := json.Unmarshal(bs, &raw); err != nil {
		t.Fatalf("failed to unmarshal raw request: %v", err)
	}
	for _, key := range []string{"v", "id", "type", "method", "params"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("expected wire key %q, got keys %v", key, rawKeys(raw))
		}
	}
}

func TestErrorImplementsError(t *testing.T) {
	err := gabp.NewError(gabp.CodeAuthenticationFailed, "authentication failed")
	if err.Error() == "" {
		t.Error("expected non-empty error string")
	}
}

func rawKeys(raw map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	return keys
}

func assertMessagesEqual(t *testing.T, want, got gabp.Message) {
	t.Helper()

	if got.V != want.V || got.ID != want.ID || got.Type != want.Type ||
		got.Method != want.Method || got.Channel != want.Channel || got.Seq != want.Seq {
		t.Fatalf("envelope mismatch: want %+v, got %+v", want, got)
	}
	if string(got.Params) != string(want.Params) {
		t.Errorf("params mismatch: want %s, got %s", want.Params, got.Params)
	}
	if string(got.Result) != string(want.Result) {
		t.Errorf("result mismatch: want %s, got %s", want.Result, got.Result)
	}
	if string(got.Payload) != string(want.Payload) {
		t.Errorf("payload mismatch: want %s, got %s", want.Payload, got.Payload)
	}
	if (got.Error == nil) != (want.Error == nil) {
		t.Fatalf("error presence mismatch: want %v, got %v", want.Error, got.Error)
	}
	if want.Error != nil {
		if got.Error.Code != want.Error.Code || got.Error.Message != want.Error.Message {
			t.Errorf("error mismatch: want %+v, got %+v", want.Error, got.Error)
		}
		if string(got.Error.Data) != string(want.Error.Data) {
			t.Errorf("error data mismatch: want %s, got %s", want.Error.Data, got.Error.Data)
		}
	}
	if (got.Timestamp == nil) != (want.Timestamp == nil) {
		t.Fatalf("timestamp presence mismatch: want %v, got %v", want.Timestamp, got.Timestamp)
	}
	if want.Timestamp != nil && !got.Timestamp.Equal(*want.Timestamp) {
		t.Errorf("timestamp mismatch: want %v, got %v", want.Timestamp, got.Timestamp)
	}
}
