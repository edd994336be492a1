package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Mem is an in-process transport: channels are paired queues and
// addresses are plain strings. The conn and session tests run on it; it
// also serves same-process loopback.
type Mem struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	nextAddr  int
	nextDial  int
}

func NewMem() *Mem {
	return &Mem{listeners: make(map[string]*memListener)}
}

func (m *Mem) Open(ctx context.Context, addr string) (Channel, error) {
	m.mu.Lock()
	l, ok := m.listeners[addr]
	m.nextDial++
	dialerAddr := fmt.Sprintf("mem-dial-%d", m.nextDial)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no listener at %s", addr)
	}
	// The dialer address must be unique: the acceptor keys its live set
	// by remote address.
	local, remote := newMemPair(l.addr, dialerAddr)
	select {
	case l.incoming <- remote:
		return local, nil
	case <-l.done:
		return nil, errors.New("listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Mem) Listen(addr string) (Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr == "" {
		m.nextAddr++
		addr = fmt.Sprintf("mem-%d", m.nextAddr)
	}
	if _, ok := m.listeners[addr]; ok {
		return nil, fmt.Errorf("address in use: %s", addr)
	}
	l := &memListener{
		addr:     addr,
		incoming: make(chan Channel, 8),
		done:     make(chan struct{}),
		owner:    m,
	}
	m.listeners[addr] = l
	return l, nil
}

type memListener struct {
	addr     string
	incoming chan Channel
	done     chan struct{}
	owner    *Mem
	once     sync.Once
}

func (l *memListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-l.incoming:
		return ch, nil
	case <-l.done:
		return nil, errors.New("listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Addr() string { return l.addr }

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.owner.mu.Lock()
		delete(l.owner.listeners, l.addr)
		l.owner.mu.Unlock()
	})
	return nil
}

type memChannel struct {
	remote string
	peer   *memChannel

	mu     sync.Mutex
	out    chan []byte
	in     chan []byte
	closed bool
}

// newMemPair builds the two ends of one channel. Each end's out queue is
// the other end's in queue, so per-channel frame order holds. A queue is
// only ever closed by its writing end, under that end's mutex.
func newMemPair(listenerAddr, dialerAddr string) (local, remote *memChannel) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	local = &memChannel{remote: listenerAddr, out: aToB, in: bToA}
	remote = &memChannel{remote: dialerAddr, out: bToA, in: aToB}
	local.peer = remote
	remote.peer = local
	return local, remote
}

func (c *memChannel) Send(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	select {
	case c.out <- buf:
		return nil
	default:
		return errors.New("channel backlogged")
	}
}

func (c *memChannel) Recv() <-chan []byte { return c.in }

func (c *memChannel) RemoteAddr() string { return c.remote }

// Close tears down both directions. Either end may call it.
func (c *memChannel) Close() error {
	for _, end := range []*memChannel{c, c.peer} {
		end.mu.Lock()
		if !end.closed {
			end.closed = true
			close(end.out)
		}
		end.mu.Unlock()
	}
	return nil
}
