// Package gateway implements the session protocol client: a long-lived,
// authenticated, bidirectional session with the conversational gateway over
// a single multiplexed WebSocket channel. It correlates request/response
// pairs, aggregates streamed chat events into complete turns, and recovers
// from transport failure with bounded exponential backoff.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"SamLink/internal/config"
	"SamLink/internal/identity"
	"SamLink/internal/protocol"
	"SamLink/internal/session"
	"SamLink/internal/store"
)

const (
	clientName    = "samlink"
	clientVersion = "1.0.0"
	minProtocol   = 1
	maxProtocol   = 1
)

// Options wires the session client's collaborators. The client never owns
// its collaborators' lifecycles; it only holds references.
type Options struct {
	Config      config.Config
	Device      identity.Device
	Credentials store.CredentialStore
	Transport   Transport // nil means WebSocket
	Logger      *slog.Logger
	Tracer      trace.Tracer // nil means the global tracer
	Meter       metric.Meter // nil disables metrics
}

// response resolves one pending request: payload or error, never both.
type response struct {
	payload json.RawMessage
	err     error
}

// pendingRequest is an in-flight request awaiting its correlated response.
// It is removed from the pending map exactly once, by whichever of
// response arrival, timeout, or disconnect fires first.
type pendingRequest struct {
	id     string
	method string
	ch     chan response // buffered, capacity 1
	timer  *time.Timer
}

// Client is the session protocol client. All mutable session state (state,
// pending map, chat run, connection epoch) is confined behind mu; inbound
// frame handling and outbound bookkeeping are serialized relative to each
// other, while callers suspend on per-request channels outside the lock.
type Client struct {
	cfg        config.Config
	device     identity.Device
	creds      store.CredentialStore
	transport  Transport
	logger     *slog.Logger
	tracer     trace.Tracer
	reconnects metric.Int64Counter
	history    *session.History

	// afterFunc schedules cancelable timers; replaced in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu             sync.Mutex
	state          State
	conn           Conn
	epoch          uint64
	intentional    bool
	attempts       int
	nextID         uint64
	pending        map[string]*pendingRequest
	run            *chatRun
	connectWaiters []chan error
	reconnectTimer *time.Timer
	handshakeTimer *time.Timer
	epochAuth      protocol.AuthBlock
}

// New creates a session client. It does not connect.
func New(opts Options) (*Client, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credential store cannot be nil")
	}
	if opts.Transport == nil {
		opts.Transport = NewWebSocketTransport()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("samlink/gateway")
	}

	c := &Client{
		cfg:       opts.Config,
		device:    opts.Device,
		creds:     opts.Credentials,
		transport: opts.Transport,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
		history:   session.NewHistory(),
		afterFunc: time.AfterFunc,
		state:     StateDisconnected,
		pending:   make(map[string]*pendingRequest),
	}

	if opts.Meter != nil {
		counter, err := opts.Meter.Int64Counter("gateway.reconnect.attempts")
		if err != nil {
			opts.Logger.Warn("failed to create reconnect counter", "error", err)
		} else {
			c.reconnects = counter
		}
	}

	return c, nil
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the human-readable connection status.
func (c *Client) Status() string {
	return c.State().String()
}

// History returns a copy of the conversation log.
func (c *Client) History() []session.Message {
	return c.history.Messages()
}

// HistoryWindow returns a copy of the last limit turns.
func (c *Client) HistoryWindow(limit int) []session.Message {
	return c.history.Window(limit)
}

// Connect establishes the session and blocks until the handshake completes,
// the retry budget is exhausted, or ctx is done. Calling Connect while a
// connection attempt or session is already underway joins the in-flight
// attempt instead of starting another.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateDisconnected || c.state == StateFailed {
		c.intentional = false
		c.attempts = 0
		c.setStateLocked(StateConnecting)
		go c.dial()
	}
	ch := make(chan error, 1)
	c.connectWaiters = append(c.connectWaiters, ch)
	c.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect tears the session down intentionally: no reconnection, all
// pending requests and the active chat run fail with ErrDisconnected.
// A second Disconnect is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	c.intentional = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.teardownLocked()
	c.setStateLocked(StateDisconnected)
	c.resolveConnectWaitersLocked(ErrDisconnected)
	c.logger.Info("session disconnected")
}

// Send issues a correlated request and suspends the caller until the
// matching response arrives, the per-request deadline elapses, or the
// connection drops.
func (c *Client) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "gateway_request")
	defer span.End()

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	p, err := c.sendLocked(method, params, c.cfg.RequestTimeout)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case res := <-p.ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.discardPending(p)
		return nil, ctx.Err()
	}
}

// dial performs one connection attempt. Credentials are read from the store
// before the handshake, never during it.
func (c *Client) dial() {
	c.mu.Lock()
	if c.state != StateConnecting || c.intentional {
		c.mu.Unlock()
		return
	}
	cfg := c.cfg
	c.mu.Unlock()

	auth := c.loadAuth()

	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.HandshakeTimeout)
	conn, err := c.transport.Dial(dialCtx, cfg.GatewayURL)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting || c.intentional {
		if err == nil {
			go conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Warn("gateway dial failed", "url", cfg.GatewayURL, "error", err)
		c.scheduleReconnectLocked()
		return
	}

	c.conn = conn
	c.epoch++
	ep := c.epoch
	c.nextID = 0
	c.epochAuth = auth
	c.setStateLocked(StateAwaitingChallenge)
	c.handshakeTimer = c.afterFunc(cfg.HandshakeTimeout, func() { c.handshakeExpired(ep) })
	go c.readLoop(conn, ep)
}

// loadAuth reads the handshake credential: a device token issued on a
// previous handshake wins over the bearer token.
func (c *Client) loadAuth() protocol.AuthBlock {
	deviceToken, err := c.creds.Get(store.KeyDeviceToken)
	if err != nil {
		c.logger.Warn("failed to read device token", "error", err)
	}
	if deviceToken != "" {
		return protocol.AuthBlock{DeviceToken: deviceToken}
	}
	bearer, err := c.creds.Get(store.KeyBearerToken)
	if err != nil {
		c.logger.Warn("failed to read bearer token", "error", err)
	}
	return protocol.AuthBlock{BearerToken: bearer}
}

// readLoop pumps inbound frames for one connection epoch.
func (c *Client) readLoop(conn Conn, ep uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.connFailed(ep, err)
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		switch {
		case frame.Response != nil:
			c.handleResponse(ep, frame.Response)
		case frame.Event != nil:
			c.handleEvent(ep, frame.Event)
		}
	}
}

// connFailed handles a transport-level failure of the given epoch's
// connection. Raw transport errors are never surfaced to callers; in-flight
// work fails with ErrDisconnected and the reconnection policy takes over.
func (c *Client) connFailed(ep uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep != c.epoch || c.conn == nil {
		return
	}
	c.logger.Warn("gateway connection lost", "error", err)
	c.teardownLocked()
	if c.intentional {
		c.setStateLocked(StateDisconnected)
		c.resolveConnectWaitersLocked(ErrDisconnected)
		return
	}
	c.scheduleReconnectLocked()
}

// teardownLocked closes the live connection, advances the epoch so stale
// read loops and timers become no-ops, and fails all in-flight work.
func (c *Client) teardownLocked() {
	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		go conn.Close()
	}
	c.epoch++
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	c.failPendingLocked(ErrDisconnected)
	if c.run != nil {
		c.resolveRunLocked(c.run, "", ErrDisconnected)
	}
}

func (c *Client) failPendingLocked(err error) {
	for id, p := range c.pending {
		delete(c.pending, id)
		p.timer.Stop()
		p.ch <- response{err: err}
	}
}

func (c *Client) resolveConnectWaitersLocked(err error) {
	for _, ch := range c.connectWaiters {
		ch <- err
	}
	c.connectWaiters = nil
}

// scheduleReconnectLocked applies the reconnection policy after an
// unintentional disconnect: delay base*2^attempt, bounded attempts, then
// Failed.
func (c *Client) scheduleReconnectLocked() {
	c.attempts++
	if c.attempts > c.cfg.MaxReconnectAttempts {
		c.logger.Error("reconnect attempts exhausted", "attempts", c.attempts-1)
		c.setStateLocked(StateFailed)
		c.resolveConnectWaitersLocked(fmt.Errorf("reconnect attempts exhausted: %w", ErrDisconnected))
		return
	}

	delay := c.cfg.ReconnectBase << (c.attempts - 1)
	c.setStateLocked(StateReconnecting)
	c.logger.Info("scheduling reconnect", "attempt", c.attempts, "delay", delay)
	if c.reconnects != nil {
		c.reconnects.Add(context.Background(), 1)
	}

	c.reconnectTimer = c.afterFunc(delay, func() {
		c.mu.Lock()
		if c.state != StateReconnecting || c.intentional {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()
		c.dial()
	})
}

// handshakeExpired fires when the challenge or handshake ack never arrived
// in time. Challenge omission is assumed transient, so the client follows
// the reconnecting edge rather than failing outright.
func (c *Client) handshakeExpired(ep uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep != c.epoch {
		return
	}
	if c.state != StateAwaitingChallenge && c.state != StateHandshaking {
		return
	}
	c.logger.Warn("handshake timed out", "state", c.state.String())
	c.teardownLocked()
	if c.intentional {
		c.setStateLocked(StateDisconnected)
		c.resolveConnectWaitersLocked(ErrDisconnected)
		return
	}
	c.scheduleReconnectLocked()
}

func (c *Client) handleEvent(ep uint64, ev *protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep != c.epoch {
		return
	}
	switch {
	case ev.Event == protocol.EventChallenge:
		c.handleChallengeLocked(ep, ev.Payload)
	case strings.HasPrefix(ev.Event, "chat."):
		c.handleChatEventLocked(ev)
	default:
		// Forward-compatible: unknown events are ignored.
		c.logger.Debug("ignoring unknown event", "event", ev.Event)
	}
}

// handleChallengeLocked answers the server challenge with the connect
// request frame, echoing the nonce in the device block.
func (c *Client) handleChallengeLocked(ep uint64, payload json.RawMessage) {
	if c.state != StateAwaitingChallenge {
		c.logger.Debug("ignoring challenge outside handshake", "state", c.state.String())
		return
	}

	var challenge protocol.ChallengePayload
	if err := json.Unmarshal(payload, &challenge); err != nil || challenge.Nonce == "" {
		c.logger.Warn("malformed challenge payload", "error", err)
		c.teardownLocked()
		c.scheduleReconnectLocked()
		return
	}

	c.setStateLocked(StateHandshaking)
	params := protocol.ConnectParams{
		MinProtocol: minProtocol,
		MaxProtocol: maxProtocol,
		Client: protocol.ClientInfo{
			Name:     clientName,
			Version:  clientVersion,
			Platform: runtime.GOOS,
		},
		Role:   c.cfg.Role,
		Scopes: c.cfg.Scopes,
		Auth:   c.epochAuth,
		Device: protocol.DeviceBlock{
			ID:    c.device.ID,
			Nonce: challenge.Nonce,
		},
		Locale:    c.cfg.Locale,
		UserAgent: clientName + "/" + clientVersion,
	}

	p, err := c.sendLocked(protocol.MethodConnect, params, c.cfg.HandshakeTimeout)
	if err != nil {
		c.logger.Warn("failed to send handshake", "error", err)
		return
	}

	go func() {
		res := <-p.ch
		c.finishHandshake(ep, res)
	}()
}

// finishHandshake consumes the connect response. On success the session is
// Connected, a freshly issued device token is persisted, and conversation
// history is reloaded from the gateway.
func (c *Client) finishHandshake(ep uint64, res response) {
	c.mu.Lock()
	if ep != c.epoch {
		c.mu.Unlock()
		return
	}

	var hello protocol.HelloPayload
	err := res.err
	if err == nil {
		if jsonErr := json.Unmarshal(res.payload, &hello); jsonErr != nil || hello.Type != protocol.HelloOK {
			err = fmt.Errorf("unexpected handshake payload: %w", ErrInvalidResponse)
		}
	}
	if err != nil {
		c.logger.Warn("handshake failed", "error", err)
		c.teardownLocked()
		if c.intentional {
			c.setStateLocked(StateDisconnected)
			c.resolveConnectWaitersLocked(ErrDisconnected)
		} else {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return
	}

	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	c.setStateLocked(StateConnected)
	c.attempts = 0
	token := hello.DeviceToken
	c.resolveConnectWaitersLocked(nil)
	c.mu.Unlock()

	c.logger.Info("session connected", "protocol", hello.Protocol)

	// Device tokens supersede the bearer credential on later handshakes;
	// persist immediately after the successful handshake.
	if token != "" {
		if err := c.creds.Set(store.KeyDeviceToken, token); err != nil {
			c.logger.Warn("failed to persist device token", "error", err)
		} else {
			c.logger.Info("stored device token")
		}
	}

	if c.cfg.HistoryLimit > 0 {
		go c.reloadHistory()
	}
}

func (c *Client) reloadHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	if err := c.LoadHistory(ctx, c.cfg.HistoryLimit); err != nil {
		c.logger.Warn("failed to reload history", "error", err)
	}
}

// sendLocked registers a waiter and transmits the request frame. Ids are
// monotonically increasing and unique within the connection epoch only.
func (c *Client) sendLocked(method string, params interface{}, timeout time.Duration) (*pendingRequest, error) {
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)

	data, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		id:     id,
		method: method,
		ch:     make(chan response, 1),
	}
	c.pending[id] = p
	p.timer = c.afterFunc(timeout, func() { c.expirePending(p) })

	if err := c.conn.WriteMessage(data); err != nil {
		delete(c.pending, id)
		p.timer.Stop()
		c.logger.Warn("gateway write failed", "method", method, "error", err)
		c.teardownLocked()
		if c.intentional {
			c.setStateLocked(StateDisconnected)
		} else {
			c.scheduleReconnectLocked()
		}
		return nil, fmt.Errorf("write %s request: %w", method, ErrDisconnected)
	}

	return p, nil
}

// expirePending fails a request whose deadline elapsed. If the waiter was
// already resolved by a response or disconnect this is a no-op. Ids repeat
// across epochs, so the entry must still be this exact request.
func (c *Client) expirePending(p *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.id] != p {
		return
	}
	delete(c.pending, p.id)
	c.logger.Warn("request timed out", "id", p.id, "method", p.method)
	p.ch <- response{err: ErrTimeout}
}

// discardPending drops a waiter whose caller stopped waiting.
func (c *Client) discardPending(p *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.id] == p {
		delete(c.pending, p.id)
		p.timer.Stop()
	}
}

// handleResponse resolves the waiter whose id matches. Late or unsolicited
// responses are dropped silently.
func (c *Client) handleResponse(ep uint64, res *protocol.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep != c.epoch {
		return
	}
	p, ok := c.pending[res.ID]
	if !ok {
		c.logger.Debug("dropping unmatched response", "id", res.ID)
		return
	}
	delete(c.pending, res.ID)
	p.timer.Stop()

	if !res.OK {
		msg := "request failed"
		if res.Error != nil && res.Error.Message != "" {
			msg = res.Error.Message
		}
		p.ch <- response{err: &GatewayError{Message: msg}}
		return
	}
	p.ch <- response{payload: res.Payload}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("session state change", "from", c.state.String(), "to", s.String())
	c.state = s
}
