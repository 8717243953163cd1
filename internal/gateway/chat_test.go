package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"SamLink/internal/protocol"
	"SamLink/internal/session"
)

func chatEventFrame(payload string) string {
	return fmt.Sprintf(`{"type":"event","event":"chat.stream","payload":%s}`, payload)
}

type chatOutcome struct {
	text string
	err  error
}

// startChat issues SendMessage in the background and answers the chat.send
// request with an ack carrying runID.
func startChat(t *testing.T, c *Client, conn *scriptConn, message, runID string) chan chatOutcome {
	t.Helper()
	result := make(chan chatOutcome, 1)
	go func() {
		text, err := c.SendMessage(context.Background(), message)
		result <- chatOutcome{text, err}
	}()

	req := decodeRequest(t, conn.nextWrite(t))
	if req.Method != protocol.MethodChatSend {
		t.Fatalf("expected chat.send, got %q", req.Method)
	}
	var params protocol.ChatSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("decode chat params: %v", err)
	}
	if params.Message != message {
		t.Fatalf("unexpected message: %q", params.Message)
	}
	if params.IdempotencyKey == "" {
		t.Fatalf("missing idempotency key")
	}

	conn.push(t, resultFrame(req.ID, fmt.Sprintf(`{"runId":%q}`, runID)))
	return result
}

func waitChat(t *testing.T, result chan chatOutcome) chatOutcome {
	t.Helper()
	select {
	case r := <-result:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("chat turn never resolved")
		return chatOutcome{}
	}
}

func TestChatTurnAggregatesDeltas(t *testing.T) {
	c, ft := newTestClient(t, testConfig(), nil)
	conn := connectSession(t, c, ft)

	result := startChat(t, c, conn, "hello", "run-1")

	conn.push(t, chatEventFrame(`{"runId":"run-1","delta":"Hi"}`))
	conn.push(t, chatEventFrame(`{"runId":"run-1","delta":" there"}`))
	conn.push(t, chatEventFrame(`{"runId":"run-1","status":"done"}`))

	r := waitChat(t, result)
	if r.err != nil {
		t.Fatalf("chat: %v", r.err)
	}
	if r.text != "Hi there" {
		t.Fatalf("unexpected reply: %q", r.text)
	}

	history := c.History()
	if len(history) != 2 {
		t.Fatalf("unexpected history length: %d", len(history))
	}
	if history[0].Role != session.RoleUser || history[0].Content != "hello" {
		t.Fatalf("unexpected user turn: %+v", history[0])
	}
	if history[1].Role != session.RoleAssistant || history[1].Content != "Hi there" {
		t.Fatalf("unexpected assistant turn: %+v", history[1])
	}
}

func TestChatFullContentOverwritesBuffer(t *testing.T) {
	c, ft := newTestClient(t, testConfig(), nil)
	conn := connectSession(t, c, ft)

	result := startChat(t, c, conn, "hi", "run-2")

	conn.push(t, chatEventFrame(`{"runId":"run-2","delta":"partial draft"}`))
	conn.push(t, chatEventFrame(`{"runId":"run-2","content":"Full snapshot"}`))
	conn.push(t, `{"type":"event","event":"chat.done","payload":{"runId":"run-2"}}`)

	r := waitChat(t, result)
	if r.err != nil || r.text != "Full snapshot" {
		t.Fatalf("unexpected result: %q %v", r.text, r.err)
	}
}

func TestChatNestedMessageOverwritesBuffer(t *testing.T) {
	c, ft := newTestClient(t, testConfig(), nil)
	conn := connectSession(t, c, ft)

	result := startChat(t, c, conn, "hi", "run-3")

	conn.push(t, chatEventFrame(`{"runId":"run-3","delta":"ignored"}`))
	conn.push(t, chatEventFrame(`{"runId":"run-3","message":{"role":"assistant","content":"Nested body"},"status":"complete"}`))

	r := waitChat(t, result)
	if r.err != nil || r.text != "Nested body" {
		t.Fatalf("unexpected result: %q %v", r.text, r.err)
	}
}

func TestChatPartialResultOnDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.ChatTimeout = 100 * time.Millisecond
	c, ft := newTestClient(t, cfg, nil)
	conn := connectSession(t, c, ft)

	result := startChat(t, c, conn, "question", "run-4")
	conn.push(t, chatEventFrame(`{"runId":"run-4","delta":"partial answer"}`))
	// No terminal event: the overall deadline resolves the turn with what
	// has accumulated.
	r := waitChat(t, result)
	if r.err != nil {
		t.Fatalf("partial output must resolve successfully, got %v", r.err)
	}
	if r.text != "partial answer" {
		t.Fatalf("unexpected partial: %q", r.text)
	}
}

func TestChatEmptyDeadlineFails(t *testing.T) {
	cfg := testConfig()
	cfg.ChatTimeout = 100 * time.Millisecond
	c, ft := newTestClient(t, cfg, nil)
	conn := connectSession(t, c, ft)

	result := startChat(t, c, conn, "question", "run-5")
	r := waitChat(t, result)
	if !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", r.err)
	}
}

func TestChatSingleActiveRun(t *testing.T) {
	c, ft := newTestClient(t, testConfig(), nil)
	conn := connectSession(t, c, ft)

	result := startChat(t, c, conn, "first", "run-6")

	if _, err := c.SendMessage(context.Background(), "second"); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}

	conn.push(t, chatEventFrame(`{"runId":"run-6","delta":"ok","status":"done"}`))
	if r := waitChat(t, result); r.err != nil || r.text != "ok" {
		t.Fatalf("unexpected result: %q %v", r.text, r.err)
	}
}

func TestAbortResolvesWithPartialBuffer(t *testing.T) {
	c, ft := newTestClient(t, testConfig(), nil)
	conn := connectSession(t, c, ft)

	result := startChat(t, c, conn, "tell me everything", "run-7")
	conn.push(t, chatEventFrame(`{"runId":"run-7","delta":"so far"}`))

	// Wait for the delta to land in the run buffer before aborting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		buffered := c.run != nil && c.run.buf == "so far"
		c.mu.Unlock()
		if buffered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delta never buffered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Abort()

	r := waitChat(t, result)
	if r.err != nil || r.text != "so far" {
		t.Fatalf("unexpected result: %q %v", r.text, r.err)
	}

	// Abort was sent best-effort on the wire.
	req := decodeRequest(t, conn.nextWrite(t))
	if req.Method != protocol.MethodChatAbort {
		t.Fatalf("expected chat.abort, got %q", req.Method)
	}
	var params protocol.ChatAbortParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("decode abort params: %v", err)
	}
	if params.RunID != "run-7" {
		t.Fatalf("unexpected run id: %q", params.RunID)
	}

	// Abort with no active run is a no-op.
	c.Abort()
}

func TestChatDisconnectFailsRun(t *testing.T) {
	c, ft := newTestClient(t, testConfig(), nil)
	conn := connectSession(t, c, ft)

	result := startChat(t, c, conn, "hello", "run-8")
	conn.push(t, chatEventFrame(`{"runId":"run-8","delta":"never finished"}`))

	c.Disconnect()

	r := waitChat(t, result)
	if !errors.Is(r.err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", r.err)
	}
}

func TestChatStaleRunEventsDropped(t *testing.T) {
	c, ft := newTestClient(t, testConfig(), nil)
	conn := connectSession(t, c, ft)

	result := startChat(t, c, conn, "hi", "run-9")

	// Wait until the ack's run id is adopted so the stale event is
	// distinguishable.
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		adopted := c.run != nil && c.run.id == "run-9"
		c.mu.Unlock()
		if adopted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run id never adopted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.push(t, chatEventFrame(`{"runId":"other-run","delta":"WRONG"}`))
	conn.push(t, chatEventFrame(`{"runId":"run-9","delta":"right","status":"done"}`))

	r := waitChat(t, result)
	if r.err != nil || r.text != "right" {
		t.Fatalf("unexpected result: %q %v", r.text, r.err)
	}
}

func TestChatGatewayRejection(t *testing.T) {
	c, ft := newTestClient(t, testConfig(), nil)
	conn := connectSession(t, c, ft)

	result := make(chan chatOutcome, 1)
	go func() {
		text, err := c.SendMessage(context.Background(), "hello")
		result <- chatOutcome{text, err}
	}()

	req := decodeRequest(t, conn.nextWrite(t))
	conn.push(t, fmt.Sprintf(`{"type":"res","id":%q,"ok":false,"error":{"message":"content policy"}}`, req.ID))

	r := waitChat(t, result)
	var ge *GatewayError
	if !errors.As(r.err, &ge) || ge.Message != "content policy" {
		t.Fatalf("expected gateway error, got %v", r.err)
	}
}

func TestHistoryReloadOnConnect(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryLimit = 5
	c, ft := newTestClient(t, cfg, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()

	conn := ft.waitDial(t)
	conn.push(t, challengeFrame("n1"))
	req := decodeRequest(t, conn.nextWrite(t))
	conn.push(t, helloFrame(req.ID, ""))
	if err := <-errCh; err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Entering Connected triggers the history reload.
	req = decodeRequest(t, conn.nextWrite(t))
	if req.Method != protocol.MethodChatHistory {
		t.Fatalf("expected chat.history, got %q", req.Method)
	}
	var params protocol.ChatHistoryParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("decode history params: %v", err)
	}
	if params.Limit != 5 {
		t.Fatalf("unexpected limit: %d", params.Limit)
	}

	conn.push(t, resultFrame(req.ID, `{"messages":[
		{"role":"user","content":"earlier question","timestamp":"2026-08-30T10:00:00Z"},
		{"role":"assistant","content":"earlier answer","timestamp":"2026-08-30T10:00:05Z"}
	]}`))

	deadline := time.Now().Add(2 * time.Second)
	for {
		history := c.History()
		if len(history) == 2 {
			if history[0].Content != "earlier question" || history[1].Role != session.RoleAssistant {
				t.Fatalf("unexpected history: %+v", history)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never loaded: %+v", c.History())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendImageMessageAttachesPayload(t *testing.T) {
	c, ft := newTestClient(t, testConfig(), nil)
	conn := connectSession(t, c, ft)

	result := make(chan chatOutcome, 1)
	go func() {
		text, err := c.SendImageMessage(context.Background(), "what is this?", []byte{0xFF, 0xD8}, "image/jpeg")
		result <- chatOutcome{text, err}
	}()

	req := decodeRequest(t, conn.nextWrite(t))
	var params protocol.ChatSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if len(params.Attachments) != 1 {
		t.Fatalf("expected one attachment, got %d", len(params.Attachments))
	}
	if params.Attachments[0].Type != "image/jpeg" || params.Attachments[0].Data == "" {
		t.Fatalf("unexpected attachment: %+v", params.Attachments[0])
	}

	conn.push(t, resultFrame(req.ID, `{"runId":"run-img"}`))
	conn.push(t, chatEventFrame(`{"runId":"run-img","content":"a test pattern","status":"done"}`))

	if r := waitChat(t, result); r.err != nil || r.text != "a test pattern" {
		t.Fatalf("unexpected result: %q %v", r.text, r.err)
	}
}
