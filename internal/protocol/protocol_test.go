package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeFrameResponse(t *testing.T) {
	data := []byte(`{"type":"res","id":"7","ok":true,"payload":{"type":"hello-ok","deviceToken":"tok1"}}`)

	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Response == nil {
		t.Fatalf("expected response frame, got %+v", frame)
	}
	if frame.Event != nil {
		t.Fatalf("expected event to be nil")
	}
	if frame.Response.ID != "7" || !frame.Response.OK {
		t.Fatalf("unexpected response: %+v", frame.Response)
	}

	var hello HelloPayload
	if err := json.Unmarshal(frame.Response.Payload, &hello); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if hello.Type != HelloOK || hello.DeviceToken != "tok1" {
		t.Fatalf("unexpected hello payload: %+v", hello)
	}
}

func TestDecodeFrameResponseError(t *testing.T) {
	data := []byte(`{"type":"res","id":"3","ok":false,"error":{"message":"rate limited"}}`)

	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Response.OK {
		t.Fatalf("expected ok=false")
	}
	if frame.Response.Error == nil || frame.Response.Error.Message != "rate limited" {
		t.Fatalf("unexpected error body: %+v", frame.Response.Error)
	}
}

func TestDecodeFrameEvent(t *testing.T) {
	data := []byte(`{"type":"event","event":"connect.challenge","payload":{"nonce":"abc123"}}`)

	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Event == nil || frame.Event.Event != EventChallenge {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	var challenge ChallengePayload
	if err := json.Unmarshal(frame.Event.Payload, &challenge); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if challenge.Nonce != "abc123" {
		t.Fatalf("unexpected nonce: %q", challenge.Nonce)
	}
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{{`},
		{"unknown type", `{"type":"ping"}`},
		{"request frame", `{"type":"req","id":"1","method":"connect"}`},
		{"response without id", `{"type":"res","ok":true}`},
		{"event without name", `{"type":"event","payload":{}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeFrame([]byte(tc.data)); err == nil {
				t.Fatalf("expected decode error for %s", tc.data)
			}
		})
	}
}

func TestEncodeRequest(t *testing.T) {
	data, err := EncodeRequest("12", MethodChatSend, ChatSendParams{
		Message:        "hello",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["type"] != TypeRequest || raw["id"] != "12" || raw["method"] != MethodChatSend {
		t.Fatalf("unexpected envelope: %v", raw)
	}
	params, ok := raw["params"].(map[string]interface{})
	if !ok || params["message"] != "hello" || params["idempotencyKey"] != "key-1" {
		t.Fatalf("unexpected params: %v", raw["params"])
	}
}

func TestTerminalStatus(t *testing.T) {
	cases := map[string]bool{
		"done":     true,
		"complete": true,
		"finished": true,
		"":         false,
		"running":  false,
	}
	for status, want := range cases {
		p := ChatStreamPayload{Status: status}
		if got := p.TerminalStatus(); got != want {
			t.Fatalf("status %q: got %v, want %v", status, got, want)
		}
	}
}
