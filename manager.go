package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConnectionState is the lifecycle state of a Manager.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	defaultJoinMethod  = "JoinGroup"
	defaultLeaveMethod = "LeaveGroup"

	connectTimeout = 30 * time.Second
	rejoinTimeout  = 10 * time.Second
)

// CredentialRefresher renews backend credentials. *RefreshCoordinator
// satisfies it, so the manager shares the request client's single flight.
type CredentialRefresher interface {
	Refresh(ctx context.Context) bool
}

// ManagerOptions configures a Manager. All fields are optional.
type ManagerOptions struct {
	Config    Config
	Logger    zerolog.Logger
	Metrics   *Metrics
	Refresher CredentialRefresher

	// PushEvents lists inbound channel events forwarded to the router.
	// More can be added later with Forward.
	PushEvents []string

	// JoinMethod and LeaveMethod are the remote operations used for groups.
	JoinMethod  string
	LeaveMethod string
}

// ============================================================================
// Manager
// ============================================================================

// Manager owns one duplex channel: it connects, reconnects with backoff
// behind a circuit breaker, health-checks the connection and replays group
// membership after every reconnect. Create one Manager per logical connection.
type Manager struct {
	cfg         Config
	factory     ChannelFactory
	token       TokenFunc
	refresher   CredentialRefresher
	backoff     Backoff
	breaker     *CircuitBreaker
	events      *EventRouter
	logger      zerolog.Logger
	metrics     *Metrics
	joinMethod  string
	leaveMethod string

	mu             sync.Mutex
	state          ConnectionState
	channel        Channel
	epoch          uint64
	connecting     bool
	intentional    bool
	offline        bool
	attempt        int
	reconnectTimer *time.Timer
	timersStop     chan struct{}
	hiddenAt       time.Time
	groups         []string
	forward        []string

	// credential is the last channel token fetched, reused by redials
	// while fresh.
	credential   string
	credentialAt time.Time
}

// NewManager creates a disconnected manager. factory builds the channel and
// token supplies its credential.
func NewManager(factory ChannelFactory, token TokenFunc, opts *ManagerOptions) (*Manager, error) {
	var o ManagerOptions
	if opts != nil {
		o = *opts
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: channel factory is required", ErrInvalidConfig)
	}
	if err := o.Config.Validate(); err != nil {
		return nil, err
	}
	o.Config.defaults()
	if o.JoinMethod == "" {
		o.JoinMethod = defaultJoinMethod
	}
	if o.LeaveMethod == "" {
		o.LeaveMethod = defaultLeaveMethod
	}

	m := &Manager{
		cfg:         o.Config,
		factory:     factory,
		token:       token,
		refresher:   o.Refresher,
		backoff:     o.Config.Backoff(),
		breaker:     NewCircuitBreaker(o.Config.CircuitFailureThreshold, o.Config.CircuitCooldown),
		events:      NewEventRouter(o.Logger),
		logger:      o.Logger.With().Str("component", "manager").Logger(),
		metrics:     o.Metrics,
		joinMethod:  o.JoinMethod,
		leaveMethod: o.LeaveMethod,
		forward:     dedupe(o.PushEvents),
	}
	m.events.metrics = o.Metrics
	m.breaker.OnStateChange(func(from, to CircuitState) {
		m.metrics.observeCircuit(to)
		m.logger.Info().Stringer("from", from).Stringer("to", to).Msg("circuit state changed")
	})
	m.metrics.setState(StateDisconnected)
	return m, nil
}

// Events returns the router carrying lifecycle and push events.
func (m *Manager) Events() *EventRouter { return m.events }

// Breaker returns the circuit breaker gating reconnects.
func (m *Manager) Breaker() *CircuitBreaker { return m.breaker }

func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Groups returns the groups that are rejoined after every reconnect.
func (m *Manager) Groups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.groups...)
}

// Connect starts a fresh channel. It is a no-op when already connected and
// fails with ErrConnectInFlight while another attempt is running.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, false)
}

// connect dials a new channel. Timer driven attempts pass auto and give up
// with ErrManagerClosed once the client has disconnected.
func (m *Manager) connect(ctx context.Context, auto bool) error {
	m.mu.Lock()
	switch {
	case auto && m.intentional:
		m.mu.Unlock()
		return ErrManagerClosed
	case m.state == StateConnected:
		m.mu.Unlock()
		return nil
	case m.connecting || m.state == StateReconnecting:
		m.mu.Unlock()
		return ErrConnectInFlight
	}
	m.connecting = true
	if !auto {
		m.intentional = false
	}
	m.epoch++
	epoch := m.epoch
	m.setStateLocked(StateConnecting)
	forward := append([]string(nil), m.forward...)
	m.mu.Unlock()

	var token TokenFunc
	if m.token != nil {
		token = m.channelToken
	}
	ch := m.factory(token)
	m.bind(ch, epoch, forward)
	err := ch.Start(ctx)

	m.mu.Lock()
	m.connecting = false
	if err != nil {
		if epoch == m.epoch {
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		m.breaker.RecordFailure()
		m.logger.Warn().Err(err).Msg("connect failed")
		return fmt.Errorf("start channel: %w", err)
	}
	if m.intentional || epoch != m.epoch {
		m.mu.Unlock()
		_ = ch.Stop(context.Background())
		return ErrManagerClosed
	}
	m.channel = ch
	m.attempt = 0
	m.stopReconnectTimerLocked()
	m.setStateLocked(StateConnected)
	m.startTimersLocked()
	groups := append([]string(nil), m.groups...)
	m.mu.Unlock()

	m.breaker.RecordSuccess()
	m.logger.Info().Msg("connected")
	m.emit(EventConnected, nil)
	m.rejoin(ch, groups)
	return nil
}

// Disconnect stops the channel and every timer, forgets group membership and
// suppresses automatic reconnects until the next Connect.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.intentional = true
	m.epoch++
	m.stopReconnectTimerLocked()
	m.stopTimersLocked()
	ch := m.channel
	m.channel = nil
	m.groups = nil
	m.attempt = 0
	was := m.state
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Stop(ctx)
	}
	if was != StateDisconnected {
		m.logger.Info().Msg("disconnected by client")
		m.emit(EventDisconnected, nil)
	}
	return err
}

// JoinGroup adds group to the subscription set and joins it right away when
// connected. Otherwise the join happens on the next connect.
func (m *Manager) JoinGroup(ctx context.Context, group string) error {
	m.mu.Lock()
	if !contains(m.groups, group) {
		m.groups = append(m.groups, group)
	}
	ch := m.liveChannelLocked()
	m.mu.Unlock()

	if ch == nil {
		m.logger.Debug().Str("group", group).Msg("join deferred until connected")
		return nil
	}
	if err := ch.Invoke(ctx, m.joinMethod, group); err != nil {
		return fmt.Errorf("join %s: %w", group, err)
	}
	return nil
}

// LeaveGroup removes group from the subscription set and leaves it when connected.
func (m *Manager) LeaveGroup(ctx context.Context, group string) error {
	m.mu.Lock()
	m.groups = remove(m.groups, group)
	ch := m.liveChannelLocked()
	m.mu.Unlock()

	if ch == nil {
		return nil
	}
	if err := ch.Invoke(ctx, m.leaveMethod, group); err != nil {
		return fmt.Errorf("leave %s: %w", group, err)
	}
	return nil
}

// Invoke calls a remote operation on the live channel.
func (m *Manager) Invoke(ctx context.Context, method string, args ...any) error {
	m.mu.Lock()
	ch := m.liveChannelLocked()
	m.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Invoke(ctx, method, args...)
}

// Forward starts publishing the named push event through the router.
func (m *Manager) Forward(event string) {
	m.mu.Lock()
	if contains(m.forward, event) {
		m.mu.Unlock()
		return
	}
	m.forward = append(m.forward, event)
	ch, epoch := m.channel, m.epoch
	m.mu.Unlock()

	if ch != nil {
		ch.On(event, m.forwarder(event, epoch))
	}
}

func (m *Manager) liveChannelLocked() Channel {
	if m.state != StateConnected {
		return nil
	}
	return m.channel
}

// ============================================================================
// Channel hooks
// ============================================================================

func (m *Manager) bind(ch Channel, epoch uint64, forward []string) {
	ch.OnReconnecting(func(err error) { m.handleReconnecting(epoch, err) })
	ch.OnReconnected(func() { m.handleReconnected(epoch) })
	ch.OnClose(func(err error) { m.handleClosed(epoch, err) })
	for _, name := range forward {
		ch.On(name, m.forwarder(name, epoch))
	}
}

func (m *Manager) forwarder(event string, epoch uint64) func(json.RawMessage) {
	return func(payload json.RawMessage) {
		if !m.current(epoch) {
			return
		}
		m.events.Emit(Event{Name: event, Data: payload})
	}
}

func (m *Manager) current(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return epoch == m.epoch && !m.intentional
}

func (m *Manager) handleReconnecting(epoch uint64, err error) {
	m.mu.Lock()
	if epoch != m.epoch || m.intentional {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	m.logger.Info().Err(err).Msg("transport reconnecting")
	m.emit(EventReconnecting, err)
	go m.refreshCredentials("reconnecting")
}

func (m *Manager) handleReconnected(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.intentional {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateConnected)
	ch := m.channel
	groups := append([]string(nil), m.groups...)
	m.mu.Unlock()

	m.breaker.RecordSuccess()
	m.logger.Info().Int("groups", len(groups)).Msg("transport reconnected")
	m.emit(EventReconnected, nil)
	m.emit(EventConnected, nil)
	m.rejoin(ch, groups)
}

func (m *Manager) handleClosed(epoch uint64, err error) {
	m.mu.Lock()
	if epoch != m.epoch || m.intentional {
		m.mu.Unlock()
		return
	}
	m.channel = nil
	m.stopTimersLocked()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.breaker.RecordFailure()
	m.logger.Warn().Err(err).Msg("connection closed")
	m.emit(EventDisconnected, err)
	m.scheduleReconnect()
}

// rejoin replays group joins on ch. A failed join is logged and skipped.
func (m *Manager) rejoin(ch Channel, groups []string) {
	if ch == nil {
		return
	}
	for _, g := range groups {
		ctx, cancel := context.WithTimeout(context.Background(), rejoinTimeout)
		err := ch.Invoke(ctx, m.joinMethod, g)
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).Str("group", g).Msg("rejoin failed")
		}
	}
}

// ============================================================================
// Reconnect scheduling
// ============================================================================

// ScheduleReconnect arms the reconnect timer. Use it after a failed Connect
// to keep retrying in the background.
func (m *Manager) ScheduleReconnect() {
	m.mu.Lock()
	m.intentional = false
	m.mu.Unlock()
	m.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer unless one is pending, the
// client disconnected on purpose, the network is offline or a connection is
// already up or being made.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.reconnectTimer != nil, m.intentional:
		return
	case m.connecting, m.state == StateConnected, m.state == StateReconnecting:
		return
	case m.offline:
		m.logger.Info().Msg("offline, waiting for network before reconnecting")
		return
	}

	if !m.breaker.CanAttempt() {
		wait := m.breaker.Remaining()
		if wait <= 0 {
			wait = m.cfg.MinDelay
		}
		m.logger.Info().Dur("wait", wait).Msg("circuit open, deferring reconnect")
		m.armLocked(wait, m.scheduleReconnect)
		return
	}

	delay := m.backoff.Delay(m.attempt)
	m.logger.Info().Int("attempt", m.attempt).Dur("delay", delay).Msg("reconnect scheduled")
	m.attempt++
	m.metrics.incReconnect()
	m.armLocked(delay, m.reconnect)
}

func (m *Manager) armLocked(d time.Duration, fn func()) {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.mu.Lock()
		if m.reconnectTimer != t {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		m.mu.Unlock()
		fn()
	})
	m.reconnectTimer = t
}

func (m *Manager) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	err := m.connect(ctx, true)
	switch {
	case err == nil:
	case errors.Is(err, ErrConnectInFlight), errors.Is(err, ErrManagerClosed):
	default:
		m.scheduleReconnect()
	}
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// retrySoon drops any pending backoff so the next attempt starts from attempt 0.
func (m *Manager) retrySoon() {
	m.mu.Lock()
	m.stopReconnectTimerLocked()
	m.attempt = 0
	m.mu.Unlock()
	m.scheduleReconnect()
}

// ============================================================================
// Health check and credential refresh timers
// ============================================================================

func (m *Manager) startTimersLocked() {
	m.stopTimersLocked()
	stop := make(chan struct{})
	m.timersStop = stop
	go m.healthLoop(stop)
	go m.credentialLoop(stop)
}

func (m *Manager) stopTimersLocked() {
	if m.timersStop != nil {
		close(m.timersStop)
		m.timersStop = nil
	}
}

func (m *Manager) healthLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.checkHealth() {
				return
			}
		}
	}
}

// checkHealth catches transports that died without a close signal. It
// reports whether the connection was declared lost.
func (m *Manager) checkHealth() bool {
	m.mu.Lock()
	ch := m.channel
	if m.intentional || m.connecting || m.state == StateReconnecting || (ch != nil && ch.Connected()) {
		m.mu.Unlock()
		return false
	}
	m.epoch++
	m.channel = nil
	m.stopTimersLocked()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if ch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), rejoinTimeout)
		_ = ch.Stop(ctx)
		cancel()
	}
	m.breaker.RecordFailure()
	m.logger.Warn().Msg("health check found a dead channel")
	m.emit(EventDisconnected, ErrNotConnected)
	m.scheduleReconnect()
	return true
}

func (m *Manager) credentialLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.CredentialRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.IsConnected() || m.token == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshTimeout)
			token, err := m.fetchCredential(ctx)
			cancel()
			if err != nil {
				m.logger.Warn().Err(err).Msg("channel credential refresh failed")
				continue
			}
			ev := m.logger.Debug()
			if info, err := InspectToken(token); err == nil && !info.ExpiresAt.IsZero() {
				ev = ev.Time("expires_at", info.ExpiresAt)
			}
			ev.Msg("channel credential refreshed")
		}
	}
}

// refreshCredentials renews credentials through the refresher, or through
// the token callback when no refresher is configured.
func (m *Manager) refreshCredentials(reason string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshTimeout)
	defer cancel()

	ok := false
	switch {
	case m.refresher != nil:
		ok = m.refresher.Refresh(ctx)
		if ok {
			// the channel token was issued under the old session
			m.dropCredential()
		}
	case m.token != nil:
		_, err := m.fetchCredential(ctx)
		ok = err == nil
	default:
		return true
	}
	if !ok {
		m.logger.Warn().Str("reason", reason).Msg("credential refresh failed")
	}
	return ok
}

// channelToken is the TokenFunc handed to channels. It serves the cached
// credential while fresh and fetches a new one otherwise.
func (m *Manager) channelToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	token, at := m.credential, m.credentialAt
	m.mu.Unlock()
	if token != "" && m.credentialFresh(token, at) {
		return token, nil
	}
	return m.fetchCredential(ctx)
}

func (m *Manager) fetchCredential(ctx context.Context) (string, error) {
	token, err := m.token(ctx)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.credential = token
	m.credentialAt = time.Now()
	m.mu.Unlock()
	return token, nil
}

func (m *Manager) dropCredential() {
	m.mu.Lock()
	m.credential = ""
	m.credentialAt = time.Time{}
	m.mu.Unlock()
}

// credentialFresh trusts a JWT until its exp claim. Opaque tokens are
// reused for one refresh interval.
func (m *Manager) credentialFresh(token string, at time.Time) bool {
	if info, err := InspectToken(token); err == nil && !info.ExpiresAt.IsZero() {
		return time.Now().Before(info.ExpiresAt)
	}
	return time.Since(at) < m.cfg.CredentialRefreshInterval
}

// ============================================================================
// Environment signals
// ============================================================================

// NetworkOnline closes the circuit and retries right away when not connected.
func (m *Manager) NetworkOnline() {
	m.mu.Lock()
	m.offline = false
	connected := m.state == StateConnected
	m.mu.Unlock()

	m.logger.Info().Msg("network online")
	m.breaker.Reset()
	if !connected {
		m.retrySoon()
	}
}

// NetworkOffline publishes disconnected and holds reconnects until online.
func (m *Manager) NetworkOffline() {
	m.mu.Lock()
	m.offline = true
	m.stopReconnectTimerLocked()
	m.mu.Unlock()

	m.logger.Info().Msg("network offline")
	m.emit(EventDisconnected, nil)
}

// Hidden records the moment the process stopped being observed.
func (m *Manager) Hidden() {
	m.mu.Lock()
	m.hiddenAt = time.Now()
	m.mu.Unlock()
}

// Visible ends a period started by Hidden.
func (m *Manager) Visible() {
	m.mu.Lock()
	var hidden time.Duration
	if !m.hiddenAt.IsZero() {
		hidden = time.Since(m.hiddenAt)
	}
	m.mu.Unlock()
	m.VisibleAfter(hidden)
}

// VisibleAfter handles a resume after being hidden for d. A long gap is
// treated as a wake from sleep, so credentials are refreshed before retrying.
func (m *Manager) VisibleAfter(d time.Duration) {
	m.mu.Lock()
	m.hiddenAt = time.Time{}
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		return
	}
	m.logger.Info().Dur("hidden", d).Msg("resumed while disconnected")
	if d > m.cfg.HiddenSleepThreshold {
		m.refreshCredentials("wake")
	}
	m.breaker.Reset()
	m.retrySoon()
}

// ============================================================================
// Helpers
// ============================================================================

func (m *Manager) setStateLocked(s ConnectionState) {
	if m.state == s {
		return
	}
	m.logger.Debug().Stringer("from", m.state).Stringer("to", s).Msg("state changed")
	m.state = s
	m.metrics.setState(s)
}

func (m *Manager) emit(name string, err error) {
	m.events.Emit(Event{Name: name, Err: err})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func dedupe(list []string) []string {
	var out []string
	for _, v := range list {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
