package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

type invocation struct {
	method string
	group  string
}

type fakeChannel struct {
	mu             sync.Mutex
	token          TokenFunc
	startErr       error
	release        chan struct{}
	connected      bool
	stopped        bool
	invokes        []invocation
	handlers       map[string][]func(json.RawMessage)
	onReconnecting []func(error)
	onReconnected  []func()
	onClose        []func(error)
}

func (c *fakeChannel) Start(ctx context.Context) error {
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.connected = true
	return nil
}

func (c *fakeChannel) Stop(context.Context) error {
	c.mu.Lock()
	c.stopped = true
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) On(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	if c.handlers == nil {
		c.handlers = make(map[string][]func(json.RawMessage))
	}
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

func (c *fakeChannel) Invoke(_ context.Context, method string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	inv := invocation{method: method}
	if len(args) > 0 {
		inv.group = fmt.Sprint(args[0])
	}
	c.invokes = append(c.invokes, inv)
	return nil
}

func (c *fakeChannel) OnReconnecting(fn func(error)) {
	c.mu.Lock()
	c.onReconnecting = append(c.onReconnecting, fn)
	c.mu.Unlock()
}

func (c *fakeChannel) OnReconnected(fn func()) {
	c.mu.Lock()
	c.onReconnected = append(c.onReconnected, fn)
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *fakeChannel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeChannel) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *fakeChannel) joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, inv := range c.invokes {
		if inv.method == defaultJoinMethod {
			out = append(out, inv.group)
		}
	}
	return out
}

func (c *fakeChannel) clearInvokes() {
	c.mu.Lock()
	c.invokes = nil
	c.mu.Unlock()
}

func (c *fakeChannel) fireReconnecting(err error) {
	c.setConnected(false)
	c.mu.Lock()
	hooks := append([]func(error){}, c.onReconnecting...)
	c.mu.Unlock()
	for _, h := range hooks {
		h(err)
	}
}

func (c *fakeChannel) fireReconnected() {
	c.setConnected(true)
	c.mu.Lock()
	hooks := append([]func(){}, c.onReconnected...)
	c.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func (c *fakeChannel) fireClose(err error) {
	c.setConnected(false)
	c.mu.Lock()
	hooks := append([]func(error){}, c.onClose...)
	c.mu.Unlock()
	for _, h := range hooks {
		h(err)
	}
}

func (c *fakeChannel) push(event string, payload string) {
	c.mu.Lock()
	hs := append([]func(json.RawMessage){}, c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(json.RawMessage(payload))
	}
}

// fakeHub hands out fakeChannels and remembers them.
type fakeHub struct {
	mu       sync.Mutex
	channels []*fakeChannel
	failing  atomic.Bool
	blocking chan struct{}
}

func (h *fakeHub) factory(token TokenFunc) Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &fakeChannel{token: token, release: h.blocking}
	if h.failing.Load() {
		c.startErr = errors.New("dial refused")
	}
	h.channels = append(h.channels, c)
	return c
}

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

func (h *fakeHub) last() *fakeChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels[len(h.channels)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) watch(r *EventRouter, names ...string) {
	for _, name := range names {
		r.On(name, func(ev Event) {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		})
	}
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Name)
	}
	return out
}

func (l *eventLog) count(name string) int {
	n := 0
	for _, got := range l.names() {
		if got == name {
			n++
		}
	}
	return n
}

type countingRefresher struct{ calls atomic.Int32 }

func (r *countingRefresher) Refresh(context.Context) bool {
	r.calls.Add(1)
	return true
}

func testConfig() Config {
	return Config{
		BaseDelay:           10 * time.Millisecond,
		MaxDelay:            50 * time.Millisecond,
		MinDelay:            time.Millisecond,
		Jitter:              0.1,
		CircuitCooldown:     time.Hour,
		HealthCheckInterval: time.Hour,
	}
}

func newTestManager(t *testing.T, cfg Config, opts *ManagerOptions) (*Manager, *fakeHub, *eventLog) {
	t.Helper()
	hub := &fakeHub{}
	if opts == nil {
		opts = &ManagerOptions{}
	}
	opts.Config = cfg
	opts.Logger = zerolog.Nop()
	m, err := NewManager(hub.factory, nil, opts)
	require.NoError(t, err)

	log := &eventLog{}
	log.watch(m.Events(), EventConnected, EventDisconnected, EventReconnecting, EventReconnected)
	t.Cleanup(func() { m.Disconnect(context.Background()) })
	return m, hub, log
}

func pendingTimer(m *Manager) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectTimer != nil
}

func attempts(m *Manager) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// ============================================================================
// Tests
// ============================================================================

func TestManagerConnect(t *testing.T) {
	m, hub, log := newTestManager(t, testConfig(), nil)

	require.NoError(t, m.JoinGroup(context.Background(), "deferred"))
	require.Zero(t, hub.count(), "join before connect does not dial")

	require.NoError(t, m.Connect(context.Background()))
	require.True(t, m.IsConnected())
	require.Equal(t, StateConnected, m.State())
	require.Equal(t, []string{EventConnected}, log.names())
	require.Equal(t, []string{"deferred"}, hub.last().joined())

	require.NoError(t, m.Connect(context.Background()), "connect while connected is a no-op")
	require.Equal(t, 1, hub.count())
}

func TestManagerConnectFailure(t *testing.T) {
	m, hub, log := newTestManager(t, testConfig(), nil)
	hub.failing.Store(true)

	err := m.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, StateDisconnected, m.State())
	require.Equal(t, 1, m.Breaker().Failures())
	require.Empty(t, log.names())
}

func TestManagerConnectInFlight(t *testing.T) {
	m, hub, _ := newTestManager(t, testConfig(), nil)
	hub.blocking = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return m.State() == StateConnecting }, time.Second, time.Millisecond)

	require.ErrorIs(t, m.Connect(context.Background()), ErrConnectInFlight)

	close(hub.blocking)
	require.NoError(t, <-done)
	require.Equal(t, 1, hub.count())
}

func TestManagerReplaysGroupsAfterReconnect(t *testing.T) {
	m, hub, log := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.JoinGroup(ctx, "A"))
	require.NoError(t, m.JoinGroup(ctx, "B"))
	require.NoError(t, m.JoinGroup(ctx, "C"))
	require.NoError(t, m.LeaveGroup(ctx, "C"))
	require.Equal(t, []string{"A", "B"}, m.Groups())

	ch := hub.last()
	ch.clearInvokes()

	ch.fireReconnecting(errors.New("socket reset"))
	require.Equal(t, StateReconnecting, m.State())
	require.ErrorIs(t, m.Connect(ctx), ErrConnectInFlight)

	ch.fireReconnected()
	require.Equal(t, StateConnected, m.State())
	require.Equal(t, []string{"A", "B"}, ch.joined())
	require.Equal(t, []string{EventConnected, EventReconnecting, EventReconnected, EventConnected}, log.names())
	require.Equal(t, 1, hub.count(), "transport reconnect reuses the channel")
}

func TestManagerCloseSchedulesReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	m, hub, log := newTestManager(t, cfg, nil)

	require.NoError(t, m.Connect(context.Background()))
	hub.last().fireClose(errors.New("gave up"))

	require.Equal(t, StateDisconnected, m.State())
	require.Equal(t, 1, log.count(EventDisconnected))
	require.True(t, pendingTimer(m))
	require.Equal(t, 1, attempts(m), "first schedule used attempt 0")
	require.Equal(t, 1, m.Breaker().Failures())
}

func TestManagerAutoReconnect(t *testing.T) {
	m, hub, log := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.JoinGroup(ctx, "A"))
	first := hub.last()
	first.fireClose(errors.New("gave up"))

	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, hub.count())
	require.Equal(t, []string{"A"}, hub.last().joined())
	require.Zero(t, attempts(m))
	require.False(t, pendingTimer(m))
	require.Equal(t, 2, log.count(EventConnected))
}

func TestManagerRetriesUntilConnected(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitFailureThreshold = 100
	m, hub, _ := newTestManager(t, cfg, nil)

	require.NoError(t, m.Connect(context.Background()))
	hub.failing.Store(true)
	hub.last().fireClose(errors.New("gave up"))

	require.Eventually(t, func() bool { return hub.count() >= 3 }, time.Second, 5*time.Millisecond)
	require.False(t, m.IsConnected())

	hub.failing.Store(false)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
}

func TestManagerDisconnectCancelsPendingReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = 50 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	m, hub, log := newTestManager(t, cfg, nil)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.JoinGroup(ctx, "A"))
	hub.last().fireClose(errors.New("gave up"))
	require.True(t, pendingTimer(m))

	require.NoError(t, m.Disconnect(ctx))
	require.False(t, pendingTimer(m))

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, hub.count(), "no connect after disconnect")
	require.Equal(t, StateDisconnected, m.State())
	require.Empty(t, m.Groups())
	require.Equal(t, 1, log.count(EventDisconnected))
}

func TestManagerDisconnectBeatsFiringTimer(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	m, hub, _ := newTestManager(t, cfg, nil)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	hub.last().fireClose(errors.New("gave up"))
	require.True(t, pendingTimer(m))

	// the timer callback has cleared its slot and is about to dial when
	// the application disconnects
	m.mu.Lock()
	m.stopReconnectTimerLocked()
	m.mu.Unlock()
	require.NoError(t, m.Disconnect(ctx))
	m.reconnect()

	require.Equal(t, 1, hub.count(), "no dial after disconnect")
	require.Equal(t, StateDisconnected, m.State())
	require.False(t, pendingTimer(m))

	require.NoError(t, m.Connect(ctx), "an explicit connect still works")
	require.Equal(t, 2, hub.count())
}

func TestManagerIgnoresStaleChannelHooks(t *testing.T) {
	m, hub, log := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	old := hub.last()
	require.NoError(t, m.Disconnect(ctx))
	require.True(t, old.isStopped())
	require.Equal(t, 1, log.count(EventDisconnected))

	old.fireClose(errors.New("late close"))
	old.fireReconnected()
	require.Equal(t, 1, log.count(EventDisconnected))
	require.Zero(t, log.count(EventReconnected))
	require.False(t, pendingTimer(m))
	require.Equal(t, StateDisconnected, m.State())
}

func TestManagerCircuitDefersReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitFailureThreshold = 1
	m, hub, _ := newTestManager(t, cfg, nil)

	require.NoError(t, m.Connect(context.Background()))
	hub.last().fireClose(errors.New("gave up"))

	require.Equal(t, CircuitOpen, m.Breaker().State())
	require.True(t, pendingTimer(m), "deferred until the cooldown ends")
	require.Zero(t, attempts(m))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, hub.count())

	m.NetworkOnline()
	require.Equal(t, CircuitClosed, m.Breaker().State())
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, hub.count())
}

func TestManagerOfflineHoldsReconnect(t *testing.T) {
	m, hub, log := newTestManager(t, testConfig(), nil)

	require.NoError(t, m.Connect(context.Background()))
	m.NetworkOffline()
	require.Equal(t, 1, log.count(EventDisconnected))

	hub.last().fireClose(errors.New("network down"))
	require.False(t, pendingTimer(m))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, hub.count())

	m.NetworkOnline()
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
}

func TestManagerVisibleAfterSleep(t *testing.T) {
	refresher := &countingRefresher{}
	m, _, _ := newTestManager(t, testConfig(), &ManagerOptions{Refresher: refresher})

	m.VisibleAfter(10 * time.Minute)
	require.EqualValues(t, 1, refresher.calls.Load())
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)

	m.VisibleAfter(10 * time.Minute)
	require.EqualValues(t, 1, refresher.calls.Load(), "ignored while connected")
}

func TestManagerVisibleAfterShortHide(t *testing.T) {
	refresher := &countingRefresher{}
	m, _, _ := newTestManager(t, testConfig(), &ManagerOptions{Refresher: refresher})

	m.Hidden()
	m.Visible()
	require.Zero(t, refresher.calls.Load())
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
}

func TestManagerReconnectingRefreshesCredentials(t *testing.T) {
	refresher := &countingRefresher{}
	m, hub, _ := newTestManager(t, testConfig(), &ManagerOptions{Refresher: refresher})

	require.NoError(t, m.Connect(context.Background()))
	hub.last().fireReconnecting(errors.New("reset"))
	require.Eventually(t, func() bool { return refresher.calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestManagerHealthCheckCatchesSilentDeath(t *testing.T) {
	cfg := testConfig()
	cfg.HealthCheckInterval = 20 * time.Millisecond
	m, hub, log := newTestManager(t, cfg, nil)

	require.NoError(t, m.Connect(context.Background()))
	first := hub.last()
	first.setConnected(false)

	require.Eventually(t, func() bool { return hub.count() == 2 && m.IsConnected() }, time.Second, 5*time.Millisecond)
	require.True(t, first.isStopped())
	require.Equal(t, 1, log.count(EventDisconnected))
}

func TestManagerForwardsPushEvents(t *testing.T) {
	m, hub, _ := newTestManager(t, testConfig(), &ManagerOptions{PushEvents: []string{"message"}})

	var got []string
	m.Events().On("message", func(ev Event) { got = append(got, string(ev.Data)) })
	m.Events().On("typing", func(ev Event) { got = append(got, "typing:"+string(ev.Data)) })

	require.NoError(t, m.Connect(context.Background()))
	ch := hub.last()
	ch.push("message", `{"id":1}`)
	ch.push("typing", `{}`)

	m.Forward("typing")
	ch.push("typing", `{"user":"u1"}`)

	require.Equal(t, []string{`{"id":1}`, `typing:{"user":"u1"}`}, got)
}

func TestManagerInvokeRequiresConnection(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig(), nil)
	require.ErrorIs(t, m.Invoke(context.Background(), "Ping"), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Invoke(context.Background(), "Ping"))
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	hub := &fakeHub{}
	_, err = NewManager(hub.factory, nil, &ManagerOptions{Config: Config{Jitter: 2}})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

// tokenSource issues distinct channel tokens and counts fetches.
type tokenSource struct {
	mu     sync.Mutex
	issued []string
	fail   bool
}

func (s *tokenSource) fetch(t *testing.T) TokenFunc {
	return func(context.Context) (string, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fail {
			return "", errors.New("token endpoint down")
		}
		tok := unsignedJWT(t, map[string]any{"n": len(s.issued), "exp": time.Now().Add(time.Hour).Unix()})
		s.issued = append(s.issued, tok)
		return tok, nil
	}
}

func (s *tokenSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.issued)
}

func (s *tokenSource) latest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued[len(s.issued)-1]
}

func (s *tokenSource) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func newTokenManager(t *testing.T, cfg Config, src *tokenSource) (*Manager, *fakeHub, *eventLog) {
	t.Helper()
	hub := &fakeHub{}
	m, err := NewManager(hub.factory, src.fetch(t), &ManagerOptions{Config: cfg, Logger: zerolog.Nop()})
	require.NoError(t, err)

	log := &eventLog{}
	log.watch(m.Events(), EventConnected, EventDisconnected)
	t.Cleanup(func() { m.Disconnect(context.Background()) })
	return m, hub, log
}

func TestManagerCredentialTimerFeedsRedials(t *testing.T) {
	cfg := testConfig()
	cfg.CredentialRefreshInterval = 20 * time.Millisecond
	src := &tokenSource{}
	m, hub, _ := newTokenManager(t, cfg, src)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	ch := hub.last()
	require.NotNil(t, ch.token)

	require.Eventually(t, func() bool { return src.count() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Disconnect(ctx))
	// let a tick that was already past its connected check finish
	time.Sleep(30 * time.Millisecond)
	fetched := src.count()

	tok, err := ch.token(ctx)
	require.NoError(t, err)
	require.Equal(t, src.latest(), tok, "redial uses the proactively fetched token")
	require.Equal(t, fetched, src.count(), "a fresh token is not fetched again")

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, fetched, src.count(), "timer stops once disconnected")
}

func TestManagerCredentialTimerSkipsWhileReconnecting(t *testing.T) {
	cfg := testConfig()
	cfg.CredentialRefreshInterval = 20 * time.Millisecond
	src := &tokenSource{}
	m, hub, _ := newTokenManager(t, cfg, src)

	require.NoError(t, m.Connect(context.Background()))
	// reconnecting fetches once through the token callback
	hub.last().fireReconnecting(errors.New("reset"))
	require.Eventually(t, func() bool { return src.count() == 1 }, time.Second, time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, 1, src.count())
	require.Equal(t, StateReconnecting, m.State())
}

func TestManagerCredentialTimerFailureIsLogged(t *testing.T) {
	cfg := testConfig()
	cfg.CredentialRefreshInterval = 20 * time.Millisecond
	src := &tokenSource{}
	src.setFail(true)
	m, _, log := newTokenManager(t, cfg, src)

	require.NoError(t, m.Connect(context.Background()))
	time.Sleep(80 * time.Millisecond)

	require.True(t, m.IsConnected())
	require.Equal(t, []string{EventConnected}, log.names())
	require.Zero(t, m.Breaker().Failures())
	require.False(t, pendingTimer(m))
}

func TestManagerRefreshDropsCachedCredential(t *testing.T) {
	src := &tokenSource{}
	refresher := &countingRefresher{}
	hub := &fakeHub{}
	m, err := NewManager(hub.factory, src.fetch(t), &ManagerOptions{Config: testConfig(), Logger: zerolog.Nop(), Refresher: refresher})
	require.NoError(t, err)
	t.Cleanup(func() { m.Disconnect(context.Background()) })
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	ch := hub.last()
	first, err := ch.token(ctx)
	require.NoError(t, err)

	require.True(t, m.refreshCredentials("test"))
	second, err := ch.token(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.Equal(t, 2, src.count())
}
