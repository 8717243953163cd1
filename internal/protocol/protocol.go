package protocol

// Wire protocol types for the gateway session channel.
//
// Every frame on the channel is a JSON object with a "type" discriminator:
// "req" for client requests, "res" for correlated responses, "event" for
// server-pushed events. Frames are decoded once at the boundary into one of
// the typed variants below; payloads stay as json.RawMessage until the
// handler that knows the method or event name decodes them.

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Request methods
const (
	MethodConnect     = "connect"
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodChatAbort   = "chat.abort"
)

// Server-pushed event names
const (
	EventChallenge  = "connect.challenge"
	EventChatStream = "chat.stream"
	EventChatDone   = "chat.done"
)

// HelloOK is the payload type a successful handshake response carries.
const HelloOK = "hello-ok"

// Request is an outbound request frame.
type Request struct {
	Type   string      `json:"type"` // always "req"
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// Response is an inbound response frame correlated to a request by ID.
type Response struct {
	Type    string          `json:"type"` // always "res"
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody carries a server-reported failure inside a response frame.
type ErrorBody struct {
	Message string `json:"message"`
}

// Event is an inbound server-pushed event frame.
type Event struct {
	Type    string          `json:"type"` // always "event"
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame is the decoded union of the inbound frame kinds. Exactly one of the
// fields is non-nil after a successful DecodeFrame.
type Frame struct {
	Response *Response
	Event    *Event
}

// DecodeFrame decodes a raw inbound frame into its typed variant.
// Request frames are client-to-server only and are rejected here.
func DecodeFrame(data []byte) (Frame, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}

	switch probe.Type {
	case TypeResponse:
		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			return Frame{}, fmt.Errorf("malformed response frame: %w", err)
		}
		if res.ID == "" {
			return Frame{}, fmt.Errorf("response frame missing id")
		}
		return Frame{Response: &res}, nil
	case TypeEvent:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return Frame{}, fmt.Errorf("malformed event frame: %w", err)
		}
		if ev.Event == "" {
			return Frame{}, fmt.Errorf("event frame missing event name")
		}
		return Frame{Event: &ev}, nil
	default:
		return Frame{}, fmt.Errorf("unexpected frame type %q", probe.Type)
	}
}

// EncodeRequest serializes an outbound request frame.
func EncodeRequest(id, method string, params interface{}) ([]byte, error) {
	data, err := json.Marshal(Request{
		Type:   TypeRequest,
		ID:     id,
		Method: method,
		Params: params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	return data, nil
}

// ConnectParams is the handshake request sent in reply to a challenge.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes,omitempty"`
	Auth        AuthBlock   `json:"auth"`
	Device      DeviceBlock `json:"device"`
	Locale      string      `json:"locale,omitempty"`
	UserAgent   string      `json:"userAgent,omitempty"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform,omitempty"`
}

// AuthBlock carries the handshake credential. A device token issued by the
// gateway on a previous handshake takes precedence over the bearer token.
type AuthBlock struct {
	DeviceToken string `json:"deviceToken,omitempty"`
	BearerToken string `json:"bearerToken,omitempty"`
}

// DeviceBlock identifies the device and acknowledges the challenge nonce.
type DeviceBlock struct {
	ID    string `json:"id"`
	Nonce string `json:"nonce"`
}

// ChallengePayload is the payload of a connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// HelloPayload is the payload of a successful connect response.
type HelloPayload struct {
	Type        string `json:"type"` // "hello-ok" on success
	Protocol    int    `json:"protocol,omitempty"`
	DeviceToken string `json:"deviceToken,omitempty"`
}

// ChatSendParams starts a chat turn.
type ChatSendParams struct {
	Message        string       `json:"message"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Attachment is an inline payload attached to a chat message.
type Attachment struct {
	Type string `json:"type"` // e.g. "image/jpeg"
	Data string `json:"data"` // base64
}

// ChatSendAck is the payload of a chat.send response.
type ChatSendAck struct {
	RunID string `json:"runId,omitempty"`
}

// ChatStreamPayload is the payload of a chat streaming event. A frame carries
// either an incremental delta, a full replacement content string, or a nested
// message object; Status marks run completion.
type ChatStreamPayload struct {
	RunID   string           `json:"runId,omitempty"`
	Delta   string           `json:"delta,omitempty"`
	Content string           `json:"content,omitempty"`
	Message *ChatMessageBody `json:"message,omitempty"`
	Status  string           `json:"status,omitempty"`
}

// ChatMessageBody is the nested message form of a chat streaming event.
type ChatMessageBody struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// TerminalStatus reports whether a chat event status marks the end of a run.
func (p *ChatStreamPayload) TerminalStatus() bool {
	switch p.Status {
	case "done", "complete", "finished":
		return true
	}
	return false
}

// ChatHistoryParams requests the most recent turns from the gateway.
type ChatHistoryParams struct {
	Limit int `json:"limit"`
}

// ChatHistoryPayload is the payload of a chat.history response.
type ChatHistoryPayload struct {
	Messages []HistoryMessage `json:"messages"`
}

// HistoryMessage is one turn in a chat.history response.
type HistoryMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"` // RFC 3339
}

// ChatAbortParams aborts the active chat run.
type ChatAbortParams struct {
	RunID string `json:"runId,omitempty"`
}
