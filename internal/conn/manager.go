// Package conn owns every live connection to a remote peer. All state
// transitions (Connecting -> Open -> Closed) flow through one dispatch
// goroutine, so handlers never observe a half-updated live set and never
// run concurrently with each other. Connections are keyed by remote
// address: the username is unknown until the introduction frame arrives.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerchat/internal/debuglog"
	"peerchat/internal/metrics"
	"peerchat/internal/proto"
	"peerchat/internal/transport"
)

// ErrNotConnected is the normal outcome of sending to an address with
// no open connection; callers decide the fallback.
var ErrNotConnected = errors.New("not connected")

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Identity is what we announce in our own introduction frame.
type Identity struct {
	Username string
	Address  string
}

// Connection is runtime-only state for one remote address. Owned by the
// Manager; once Closed it leaves the live set and is never reused.
type Connection struct {
	addr     string
	username string
	state    State
	channel  transport.Channel
	cancel   context.CancelFunc
}

// Handlers are registered once by the session controller. They are
// invoked on the dispatch goroutine, never concurrently.
type Handlers struct {
	// OnIntroduction fires when the remote peer announces its username
	// and (self-reported) address on a freshly opened connection.
	OnIntroduction func(addr, username, announcedAddr string)
	// OnFrame fires for every valid chat frame. username is empty if no
	// introduction arrived yet on that connection.
	OnFrame func(addr, username string, frame proto.ChatFrame)
	// OnClosed fires when a connection reaches Closed, including dial
	// failures that never opened.
	OnClosed func(addr string, err error)
}

type Options struct {
	// DialTimeout bounds the Connecting state. Zero means the default;
	// the transport never gets to hang a connect forever.
	DialTimeout time.Duration
	Metrics     *metrics.Metrics
}

const defaultDialTimeout = 8 * time.Second

// internal events, consumed by the dispatch goroutine only
type event interface{ evt() }

type evAccepted struct{ ch transport.Channel }
type evDialDone struct {
	addr string
	ch   transport.Channel
	err  error
}
type evInbound struct {
	addr    string
	payload []byte
}
type evChannelClosed struct {
	addr string
	err  error
}

func (evAccepted) evt()      {}
func (evDialDone) evt()      {}
func (evInbound) evt()       {}
func (evChannelClosed) evt() {}

type Manager struct {
	identity Identity
	tr       transport.Transport
	handlers Handlers
	metrics  *metrics.Metrics
	timeout  time.Duration

	mu   sync.Mutex
	live map[string]*Connection

	events  chan event
	stopped chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewManager(identity Identity, tr transport.Transport, opts Options) *Manager {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		identity: identity,
		tr:       tr,
		metrics:  m,
		timeout:  timeout,
		live:     make(map[string]*Connection),
		events:   make(chan event, 256),
		stopped:  make(chan struct{}),
	}
}

// SetHandlers must be called before Start.
func (m *Manager) SetHandlers(h Handlers) {
	m.handlers = h
}

// Start launches the dispatch loop and, when l is non-nil, the accept
// loop for inbound channels.
func (m *Manager) Start(l transport.Listener) {
	m.wg.Add(1)
	go m.dispatch()
	if l != nil {
		m.wg.Add(1)
		go m.acceptLoop(l)
	}
}

func (m *Manager) acceptLoop(l transport.Listener) {
	defer m.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stopped
		cancel()
		_ = l.Close()
	}()
	for {
		ch, err := l.Accept(ctx)
		if err != nil {
			return
		}
		select {
		case m.events <- evAccepted{ch: ch}:
		case <-m.stopped:
			_ = ch.Close()
			return
		}
	}
}

// Connect opens a connection to addr. Idempotent by address: if a
// Connecting or Open connection already exists it is returned unchanged.
// Non-blocking; completion is observed through handler events.
func (m *Manager) Connect(addr string) *Connection {
	m.mu.Lock()
	if c, ok := m.live[addr]; ok {
		m.mu.Unlock()
		return c
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	c := &Connection{addr: addr, state: StateConnecting, cancel: cancel}
	m.live[addr] = c
	m.metrics.SetConnsLive(uint64(len(m.live)))
	m.mu.Unlock()

	m.metrics.IncDialAttempts()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		ch, err := m.tr.Open(ctx, addr)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			m.metrics.IncDialTimeouts()
			err = fmt.Errorf("dial timeout after %s: %w", m.timeout, err)
		}
		select {
		case m.events <- evDialDone{addr: addr, ch: ch, err: err}:
		case <-m.stopped:
			if ch != nil {
				_ = ch.Close()
			}
		}
	}()
	return c
}

// Send encodes frame and hands it to the open channel for addr. It does
// not guarantee remote receipt, only handoff to the transport.
func (m *Manager) Send(addr string, frame proto.ChatFrame) error {
	data, err := proto.EncodeChatFrame(frame)
	if err != nil {
		return err
	}
	m.mu.Lock()
	c, ok := m.live[addr]
	if !ok || c.state != StateOpen {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, addr)
	}
	ch := c.channel
	m.mu.Unlock()
	if err := ch.Send(data); err != nil {
		return err
	}
	m.metrics.IncFramesSent()
	return nil
}

// Close tears down the connection for addr, if any. The Closed event
// follows through the dispatch loop.
func (m *Manager) Close(addr string) {
	m.mu.Lock()
	c, ok := m.live[addr]
	m.mu.Unlock()
	if !ok {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.channel != nil {
		_ = c.channel.Close()
	}
}

// CloseAll closes every live connection, then stops the loops. Used at
// shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.live))
	for _, c := range m.live {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		if c.cancel != nil {
			c.cancel()
		}
		if c.channel != nil {
			_ = c.channel.Close()
		}
	}
	m.once.Do(func() { close(m.stopped) })
	m.wg.Wait()
}

// States reports the live set for inspection, keyed by address.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.live))
	for addr, c := range m.live {
		out[addr] = c.state
	}
	return out
}

// Username returns the introduced username for addr, if the handshake
// completed.
func (m *Manager) Username(addr string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.live[addr]
	if !ok || c.username == "" {
		return "", false
	}
	return c.username, true
}

func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopped:
			return
		case ev := <-m.events:
			switch e := ev.(type) {
			case evAccepted:
				m.handleAccepted(e)
			case evDialDone:
				m.handleDialDone(e)
			case evInbound:
				m.handleInbound(e)
			case evChannelClosed:
				m.handleChannelClosed(e)
			}
		}
	}
}

func (m *Manager) handleAccepted(e evAccepted) {
	addr := e.ch.RemoteAddr()
	m.mu.Lock()
	if _, ok := m.live[addr]; ok {
		// At most one live connection per address; reject the duplicate.
		m.mu.Unlock()
		debuglog.Debugf("conn: duplicate inbound from %s dropped", addr)
		_ = e.ch.Close()
		return
	}
	c := &Connection{addr: addr, state: StateOpen, channel: e.ch}
	m.live[addr] = c
	m.metrics.SetConnsLive(uint64(len(m.live)))
	m.mu.Unlock()
	m.metrics.IncConnsOpened()
	m.open(c)
}

func (m *Manager) handleDialDone(e evDialDone) {
	m.mu.Lock()
	c, ok := m.live[e.addr]
	if !ok || c.state != StateConnecting {
		// Closed while dialing; discard the late channel.
		m.mu.Unlock()
		if e.ch != nil {
			_ = e.ch.Close()
		}
		return
	}
	if e.err != nil {
		delete(m.live, e.addr)
		c.state = StateClosed
		m.metrics.SetConnsLive(uint64(len(m.live)))
		m.mu.Unlock()
		m.metrics.IncDialFailures()
		debuglog.Debugf("conn: dial %s failed: %v", e.addr, e.err)
		if m.handlers.OnClosed != nil {
			m.handlers.OnClosed(e.addr, e.err)
		}
		return
	}
	c.state = StateOpen
	c.channel = e.ch
	m.mu.Unlock()
	m.metrics.IncConnsOpened()
	m.open(c)
}

// open runs the Open-entry actions: announce ourselves and start
// pumping inbound frames.
func (m *Manager) open(c *Connection) {
	intro, err := proto.EncodeIntroduction(proto.Introduction{
		Username: m.identity.Username,
		Address:  m.identity.Address,
	})
	if err == nil {
		err = c.channel.Send(intro)
	}
	if err != nil {
		debuglog.Debugf("conn: introduction to %s failed: %v", c.addr, err)
		_ = c.channel.Close()
	}
	m.wg.Add(1)
	go m.readLoop(c.addr, c.channel)
}

func (m *Manager) readLoop(addr string, ch transport.Channel) {
	defer m.wg.Done()
	for payload := range ch.Recv() {
		select {
		case m.events <- evInbound{addr: addr, payload: payload}:
		case <-m.stopped:
			return
		}
	}
	select {
	case m.events <- evChannelClosed{addr: addr}:
	case <-m.stopped:
	}
}

func (m *Manager) handleInbound(e evInbound) {
	m.mu.Lock()
	c, ok := m.live[e.addr]
	if !ok || c.state != StateOpen {
		m.mu.Unlock()
		return
	}
	username := c.username
	m.mu.Unlock()
	m.metrics.IncFramesReceived()

	frame, err := proto.Decode(e.payload)
	if err != nil {
		// A malformed frame from a peer is not fatal to the session.
		switch {
		case errors.Is(err, proto.ErrUnknownType):
			m.metrics.IncDroppedUnknown()
		default:
			m.metrics.IncDroppedInvalid()
		}
		debuglog.RateLimitedf("drop:"+e.addr, 5*time.Second, "conn: dropped frame from %s: %v", e.addr, err)
		return
	}

	switch f := frame.(type) {
	case proto.Introduction:
		m.mu.Lock()
		c.username = f.Username
		m.mu.Unlock()
		m.metrics.IncIntroductions()
		if m.handlers.OnIntroduction != nil {
			m.handlers.OnIntroduction(e.addr, f.Username, f.Address)
		}
	case proto.ChatFrame:
		if m.handlers.OnFrame != nil {
			m.handlers.OnFrame(e.addr, username, f)
		}
	}
}

func (m *Manager) handleChannelClosed(e evChannelClosed) {
	m.mu.Lock()
	c, ok := m.live[e.addr]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.live, e.addr)
	c.state = StateClosed
	m.metrics.SetConnsLive(uint64(len(m.live)))
	m.mu.Unlock()
	if c.channel != nil {
		_ = c.channel.Close()
	}
	m.metrics.IncConnsClosed()
	debuglog.Debugf("conn: %s closed", e.addr)
	if m.handlers.OnClosed != nil {
		m.handlers.OnClosed(e.addr, e.err)
	}
}
