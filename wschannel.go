package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// WebSocketOptions configures the WebSocket channel.
type WebSocketOptions struct {
	// PingInterval is the heartbeat period. A failed ping drops the connection.
	PingInterval time.Duration
	// InvokeTimeout bounds how long Invoke waits for a completion frame.
	InvokeTimeout time.Duration
	// DialTimeout bounds a single dial including the handshake.
	DialTimeout time.Duration
	// MaxRetries is the number of transport-level redials after an unexpected
	// drop before the channel reports closed. Negative disables redialing.
	MaxRetries int
	// Backoff spaces the transport-level redials.
	Backoff Backoff
	// TokenParam is the query parameter carrying the credential.
	TokenParam string
	Header     http.Header
	ReadLimit  int64
	Logger     zerolog.Logger
}

func (o *WebSocketOptions) defaults() {
	if o.PingInterval == 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.InvokeTimeout == 0 {
		o.InvokeTimeout = 10 * time.Second
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 15 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 4
	}
	if o.Backoff.Base == 0 {
		o.Backoff = Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.2, Floor: DefaultMinDelay}
	}
	if o.TokenParam == "" {
		o.TokenParam = "access_token"
	}
	if o.ReadLimit == 0 {
		o.ReadLimit = 1 << 20
	}
}

// WebSocketFactory returns a ChannelFactory dialing hubURL.
func WebSocketFactory(hubURL string, opts *WebSocketOptions) ChannelFactory {
	var o WebSocketOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return func(token TokenFunc) Channel {
		return newWSChannel(hubURL, o, token)
	}
}

type wsChannel struct {
	url   string
	opts  WebSocketOptions
	token TokenFunc
	log   zerolog.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	cancel         context.CancelFunc
	stopped        bool
	stopCh         chan struct{}
	handlers       map[string][]func(json.RawMessage)
	onReconnecting []func(error)
	onReconnected  []func()
	onClose        []func(error)

	pendingMu sync.Mutex
	pending   map[string]chan Envelope
}

func newWSChannel(hubURL string, opts WebSocketOptions, token TokenFunc) *wsChannel {
	return &wsChannel{
		url:      hubURL,
		opts:     opts,
		token:    token,
		log:      opts.Logger.With().Str("component", "ws_channel").Logger(),
		stopCh:   make(chan struct{}),
		handlers: make(map[string][]func(json.RawMessage)),
		pending:  make(map[string]chan Envelope),
	}
}

func (w *wsChannel) On(event string, fn func(json.RawMessage)) {
	w.mu.Lock()
	w.handlers[event] = append(w.handlers[event], fn)
	w.mu.Unlock()
}

func (w *wsChannel) OnReconnecting(fn func(error)) {
	w.mu.Lock()
	w.onReconnecting = append(w.onReconnecting, fn)
	w.mu.Unlock()
}

func (w *wsChannel) OnReconnected(fn func()) {
	w.mu.Lock()
	w.onReconnected = append(w.onReconnected, fn)
	w.mu.Unlock()
}

func (w *wsChannel) OnClose(fn func(error)) {
	w.mu.Lock()
	w.onClose = append(w.onClose, fn)
	w.mu.Unlock()
}

func (w *wsChannel) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// Start dials the hub once. Transport-level redials only happen after a
// successful start.
func (w *wsChannel) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrChannelClosed
	}
	w.mu.Unlock()

	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		conn.Close(websocket.StatusNormalClosure, "client stop")
		return ErrChannelClosed
	}
	w.attachLocked(conn)
	return nil
}

// Stop closes the connection and ends any redial loop without firing OnClose.
func (w *wsChannel) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	conn, cancel := w.conn, w.cancel
	w.conn, w.cancel = nil, nil
	w.mu.Unlock()

	w.failPending(ErrChannelClosed)
	var err error
	if conn != nil {
		// the read loop must stay alive to complete the close handshake
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// Invoke writes an invoke frame and waits for the matching completion.
func (w *wsChannel) Invoke(ctx context.Context, method string, args ...any) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if args == nil {
		args = []any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	id := uuid.NewString()
	frame, err := json.Marshal(Envelope{Type: envelopeInvoke, Target: method, Arguments: rawArgs, InvocationID: id})
	if err != nil {
		return err
	}

	ch := make(chan Envelope, 1)
	w.pendingMu.Lock()
	w.pending[id] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, id)
		w.pendingMu.Unlock()
	}()

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("invoke %s: %w", method, err)
	}

	timer := time.NewTimer(w.opts.InvokeTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Error != "" {
			return fmt.Errorf("invoke %s: %s", method, res.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("invoke %s: timeout after %s", method, w.opts.InvokeTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *wsChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, w.opts.DialTimeout)
	defer cancel()

	u, err := url.Parse(w.url)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	if w.token != nil {
		token, err := w.token(dialCtx)
		if err != nil {
			return nil, fmt.Errorf("fetch channel token: %w", err)
		}
		q := u.Query()
		q.Set(w.opts.TokenParam, token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPHeader: w.opts.Header})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(w.opts.ReadLimit)
	return conn, nil
}

func (w *wsChannel) attachLocked(conn *websocket.Conn) {
	runCtx, cancel := context.WithCancel(context.Background())
	w.conn = conn
	w.cancel = cancel
	go w.readLoop(runCtx, conn)
	go w.heartbeatLoop(runCtx, conn)
}

func (w *wsChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			w.dropped(conn, err)
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			w.log.Debug().Msg("skipping malformed frame")
			continue
		}

		switch env.Type {
		case envelopeCompletion:
			w.pendingMu.Lock()
			ch, ok := w.pending[env.InvocationID]
			w.pendingMu.Unlock()
			if ok {
				select {
				case ch <- env:
				default:
				}
			}
		case envelopeEvent:
			w.mu.Lock()
			handlers := append([]func(json.RawMessage){}, w.handlers[env.Target]...)
			w.mu.Unlock()
			for _, h := range handlers {
				h(env.Arguments)
			}
		}
	}
}

func (w *wsChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, w.opts.PingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				w.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// dropped handles the end of a read loop. Only the current connection of a
// channel that was not stopped triggers the redial loop.
func (w *wsChannel) dropped(conn *websocket.Conn, err error) {
	w.mu.Lock()
	if w.stopped || w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()

	w.failPending(ErrChannelClosed)
	if isNormalClosure(err) {
		w.log.Info().Err(err).Msg("connection closed by peer")
	} else {
		w.log.Warn().Err(err).Msg("connection dropped")
	}
	go w.redial(err)
}

func (w *wsChannel) redial(cause error) {
	if w.opts.MaxRetries < 0 {
		w.fireClose(cause)
		return
	}
	w.fireReconnecting(cause)

	lastErr := cause
	for attempt := 0; attempt < w.opts.MaxRetries; attempt++ {
		delay := w.opts.Backoff.Delay(attempt)
		select {
		case <-w.stopCh:
			return
		case <-time.After(delay):
		}

		conn, err := w.dial(context.Background())
		if err != nil {
			lastErr = err
			w.log.Debug().Err(err).Int("attempt", attempt).Msg("redial failed")
			continue
		}

		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "client stop")
			return
		}
		w.attachLocked(conn)
		w.mu.Unlock()

		w.fireReconnected()
		return
	}

	select {
	case <-w.stopCh:
		return
	default:
	}
	w.fireClose(lastErr)
}

func (w *wsChannel) failPending(err error) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for id, ch := range w.pending {
		select {
		case ch <- Envelope{Type: envelopeCompletion, InvocationID: id, Error: err.Error()}:
		default:
		}
		delete(w.pending, id)
	}
}

func (w *wsChannel) fireReconnecting(err error) {
	w.mu.Lock()
	hooks := append([]func(error){}, w.onReconnecting...)
	w.mu.Unlock()
	for _, h := range hooks {
		h(err)
	}
}

func (w *wsChannel) fireReconnected() {
	w.mu.Lock()
	hooks := append([]func(){}, w.onReconnected...)
	w.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func (w *wsChannel) fireClose(err error) {
	w.mu.Lock()
	hooks := append([]func(error){}, w.onClose...)
	w.mu.Unlock()
	for _, h := range hooks {
		h(err)
	}
}

// isNormalClosure reports whether err is a clean close initiated by either side.
func isNormalClosure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
