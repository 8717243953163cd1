package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"SamLink/internal/protocol"
	"SamLink/internal/session"
)

// chatResult resolves one chat turn.
type chatResult struct {
	text string
	err  error
}

// chatRun is the one in-progress logical AI turn. The buffer accumulates
// streamed deltas until a terminal event, the overall deadline, an abort, or
// a disconnect resolves the run; whichever fires first wins and the rest are
// no-ops.
type chatRun struct {
	id        string
	buf       string
	done      chan chatResult // buffered, capacity 1
	timer     *time.Timer
	startedAt time.Time
}

// SendMessage sends one chat message and blocks until the gateway finishes
// streaming the reply, the turn deadline elapses, or the session drops.
func (c *Client) SendMessage(ctx context.Context, text string) (string, error) {
	return c.sendChat(ctx, text, nil)
}

// SendImageMessage sends a chat message with an attached image.
func (c *Client) SendImageMessage(ctx context.Context, text string, image []byte, mimeType string) (string, error) {
	attachments := []protocol.Attachment{{
		Type: mimeType,
		Data: base64.StdEncoding.EncodeToString(image),
	}}
	return c.sendChat(ctx, text, attachments)
}

func (c *Client) sendChat(ctx context.Context, text string, attachments []protocol.Attachment) (string, error) {
	ctx, span := c.tracer.Start(ctx, "chat_turn")
	defer span.End()

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return "", ErrDisconnected
	}
	if c.run != nil {
		c.mu.Unlock()
		return "", ErrRunActive
	}

	params := protocol.ChatSendParams{
		Message:        text,
		IdempotencyKey: uuid.NewString(),
		Attachments:    attachments,
	}
	p, err := c.sendLocked(protocol.MethodChatSend, params, c.cfg.RequestTimeout)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}

	run := &chatRun{
		done:      make(chan chatResult, 1),
		startedAt: time.Now(),
	}
	c.run = run
	run.timer = c.afterFunc(c.cfg.ChatTimeout, func() { c.expireRun(run) })
	c.history.Append(session.RoleUser, text)
	c.mu.Unlock()

	go func() {
		res := <-p.ch
		c.handleChatAck(run, res)
	}()

	select {
	case r := <-run.done:
		return r.text, r.err
	case <-ctx.Done():
		c.cancelRun(run)
		return "", ctx.Err()
	}
}

// Abort cancels the active chat run. The abort request is best-effort on the
// wire; locally the pending turn always resolves with whatever has streamed
// so far.
func (c *Client) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	run := c.run
	if run == nil {
		return
	}

	if c.state == StateConnected && c.conn != nil {
		c.nextID++
		id := strconv.FormatUint(c.nextID, 10)
		data, err := protocol.EncodeRequest(id, protocol.MethodChatAbort, protocol.ChatAbortParams{RunID: run.id})
		if err == nil {
			// No waiter: the eventual response is dropped as unsolicited.
			if err := c.conn.WriteMessage(data); err != nil {
				c.logger.Debug("abort write failed", "error", err)
			}
		}
	}

	c.logger.Info("chat run aborted", "buffered", len(run.buf))
	c.resolveRunLocked(run, run.buf, nil)
}

// LoadHistory pulls the most recent turns from the gateway and replaces the
// in-memory conversation log.
func (c *Client) LoadHistory(ctx context.Context, limit int) error {
	payload, err := c.Send(ctx, protocol.MethodChatHistory, protocol.ChatHistoryParams{Limit: limit})
	if err != nil {
		return err
	}

	var hist protocol.ChatHistoryPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &hist); err != nil {
			return fmt.Errorf("decode history payload: %w", ErrInvalidResponse)
		}
	}

	messages := make([]session.Message, 0, len(hist.Messages))
	for _, m := range hist.Messages {
		ts, err := time.Parse(time.RFC3339, m.Timestamp)
		if err != nil {
			ts = time.Time{}
		}
		messages = append(messages, session.Message{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: ts,
		})
	}
	c.history.Replace(messages)
	c.logger.Info("history loaded", "turns", len(messages))
	return nil
}

// handleChatAck consumes the chat.send response. A gateway-reported failure
// fails the run; a success may carry the server-assigned run id.
func (c *Client) handleChatAck(run *chatRun, res response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res.err != nil {
		c.resolveRunLocked(run, "", res.err)
		return
	}
	if c.run != run {
		return
	}
	var ack protocol.ChatSendAck
	if len(res.payload) > 0 {
		if err := json.Unmarshal(res.payload, &ack); err == nil && ack.RunID != "" {
			run.id = ack.RunID
		}
	}
}

// handleChatEventLocked folds one streamed chat event into the active run.
// A delta appends; a full content string or nested message overwrites the
// buffer, last snapshot wins. A terminal status resolves the run.
func (c *Client) handleChatEventLocked(ev *protocol.Event) {
	run := c.run
	if run == nil {
		c.logger.Debug("dropping chat event with no active run", "event", ev.Event)
		return
	}

	var payload protocol.ChatStreamPayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			c.logger.Debug("dropping malformed chat event", "error", err)
			return
		}
	}

	if payload.RunID != "" {
		if run.id == "" {
			run.id = payload.RunID
		} else if payload.RunID != run.id {
			c.logger.Debug("dropping chat event for stale run", "run_id", payload.RunID)
			return
		}
	}

	switch {
	case payload.Delta != "":
		run.buf += payload.Delta
	case payload.Message != nil:
		run.buf = payload.Message.Content
	case payload.Content != "":
		run.buf = payload.Content
	}

	if ev.Event == protocol.EventChatDone || payload.TerminalStatus() {
		c.resolveRunLocked(run, run.buf, nil)
	}
}

// expireRun applies the turn's overall deadline: a non-empty buffer resolves
// successfully with the partial output, an empty one fails with ErrTimeout.
func (c *Client) expireRun(run *chatRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != run {
		return
	}
	if run.buf != "" {
		c.logger.Warn("chat turn deadline reached, returning partial output",
			"buffered", len(run.buf), "waited", time.Since(run.startedAt))
		c.resolveRunLocked(run, run.buf, nil)
		return
	}
	c.resolveRunLocked(run, "", ErrTimeout)
}

// cancelRun clears a run whose caller stopped waiting.
func (c *Client) cancelRun(run *chatRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != run {
		return
	}
	c.run = nil
	if run.timer != nil {
		run.timer.Stop()
	}
}

// resolveRunLocked completes the run exactly once. Firing again for an
// already-resolved run is a no-op.
func (c *Client) resolveRunLocked(run *chatRun, text string, err error) {
	if c.run != run || run == nil {
		return
	}
	c.run = nil
	if run.timer != nil {
		run.timer.Stop()
	}
	if err == nil && text != "" {
		c.history.Append(session.RoleAssistant, text)
	}
	run.done <- chatResult{text: text, err: err}
}
