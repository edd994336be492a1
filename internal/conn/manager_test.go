package conn

import (
	"context"
	"errors"
	"testing"
	"time"

	"peerchat/internal/proto"
	"peerchat/internal/transport"
)

const waitFor = 5 * time.Second

func chatFrame(from, content string) proto.ChatFrame {
	return proto.ChatFrame{
		From:      from,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// rawPeer accepts one channel on the mem transport and exposes it for
// hand-crafted frames.
func rawPeer(t *testing.T, mem *transport.Mem, addr string) <-chan transport.Channel {
	t.Helper()
	l, err := mem.Listen(addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	out := make(chan transport.Channel, 1)
	go func() {
		ch, err := l.Accept(context.Background())
		if err != nil {
			return
		}
		out <- ch
	}()
	return out
}

func TestConnectIsIdempotentByAddress(t *testing.T) {
	mem := transport.NewMem()
	_ = rawPeer(t, mem, "addr-b")

	m := NewManager(Identity{Username: "alice", Address: "addr-a"}, mem, Options{})
	m.Start(nil)
	defer m.CloseAll()

	c1 := m.Connect("addr-b")
	c2 := m.Connect("addr-b")
	if c1 != c2 {
		t.Fatalf("expected same connection for duplicate connect")
	}
	states := m.States()
	if len(states) != 1 {
		t.Fatalf("expected one live connection, got %d", len(states))
	}
}

func TestSendWithoutConnectionFails(t *testing.T) {
	mem := transport.NewMem()
	m := NewManager(Identity{Username: "alice", Address: "addr-a"}, mem, Options{})
	m.Start(nil)
	defer m.CloseAll()

	err := m.Send("addr-b", chatFrame("alice", "hi"))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestIntroductionExchange(t *testing.T) {
	mem := transport.NewMem()

	lb, err := mem.Listen("addr-b")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	introsA := make(chan string, 1)
	ma := NewManager(Identity{Username: "alice", Address: "addr-a"}, mem, Options{})
	ma.SetHandlers(Handlers{
		OnIntroduction: func(addr, username, announced string) {
			introsA <- username + "@" + announced
		},
	})
	ma.Start(nil)
	defer ma.CloseAll()

	introsB := make(chan string, 1)
	mb := NewManager(Identity{Username: "bob", Address: "addr-b"}, mem, Options{})
	mb.SetHandlers(Handlers{
		OnIntroduction: func(addr, username, announced string) {
			introsB <- username + "@" + announced
		},
	})
	mb.Start(lb)
	defer mb.CloseAll()

	ma.Connect("addr-b")

	select {
	case got := <-introsB:
		if got != "alice@addr-a" {
			t.Fatalf("bob saw wrong introduction: %s", got)
		}
	case <-time.After(waitFor):
		t.Fatalf("bob never received introduction")
	}
	select {
	case got := <-introsA:
		if got != "bob@addr-b" {
			t.Fatalf("alice saw wrong introduction: %s", got)
		}
	case <-time.After(waitFor):
		t.Fatalf("alice never received introduction")
	}

	if u, ok := ma.Username("addr-b"); !ok || u != "bob" {
		t.Fatalf("alice did not bind username: %q %v", u, ok)
	}
}

func TestChatFrameDelivery(t *testing.T) {
	mem := transport.NewMem()
	peerCh := rawPeer(t, mem, "addr-b")

	frames := make(chan proto.ChatFrame, 1)
	m := NewManager(Identity{Username: "alice", Address: "addr-a"}, mem, Options{})
	m.SetHandlers(Handlers{
		OnFrame: func(addr, username string, f proto.ChatFrame) { frames <- f },
	})
	m.Start(nil)
	defer m.CloseAll()

	m.Connect("addr-b")
	var peer transport.Channel
	select {
	case peer = <-peerCh:
	case <-time.After(waitFor):
		t.Fatalf("peer never accepted")
	}
	// Drain alice's introduction.
	select {
	case <-peer.Recv():
	case <-time.After(waitFor):
		t.Fatalf("no introduction from alice")
	}

	data, err := proto.EncodeChatFrame(chatFrame("bob", "hello alice"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := peer.Send(data); err != nil {
		t.Fatalf("peer send: %v", err)
	}
	select {
	case f := <-frames:
		if f.Content != "hello alice" || f.From != "bob" {
			t.Fatalf("wrong frame: %+v", f)
		}
	case <-time.After(waitFor):
		t.Fatalf("frame never delivered")
	}
}

func TestUnknownFrameDroppedConnectionStaysOpen(t *testing.T) {
	mem := transport.NewMem()
	peerCh := rawPeer(t, mem, "addr-b")

	frames := make(chan proto.ChatFrame, 1)
	m := NewManager(Identity{Username: "alice", Address: "addr-a"}, mem, Options{})
	m.SetHandlers(Handlers{
		OnFrame: func(addr, username string, f proto.ChatFrame) { frames <- f },
	})
	m.Start(nil)
	defer m.CloseAll()

	m.Connect("addr-b")
	peer := <-peerCh
	<-peer.Recv() // introduction

	if err := peer.Send([]byte(`{"type":"unknown","x":1}`)); err != nil {
		t.Fatalf("peer send: %v", err)
	}
	// A valid frame after the junk one proves the connection survived.
	data, _ := proto.EncodeChatFrame(chatFrame("bob", "still here"))
	if err := peer.Send(data); err != nil {
		t.Fatalf("peer send: %v", err)
	}
	select {
	case f := <-frames:
		if f.Content != "still here" {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(waitFor):
		t.Fatalf("connection did not survive unknown frame")
	}
	if st := m.States()["addr-b"]; st != StateOpen {
		t.Fatalf("expected open, got %v", st)
	}
}

func TestCloseRemovesFromLiveSet(t *testing.T) {
	mem := transport.NewMem()
	_ = rawPeer(t, mem, "addr-b")

	closed := make(chan string, 1)
	m := NewManager(Identity{Username: "alice", Address: "addr-a"}, mem, Options{})
	m.SetHandlers(Handlers{
		OnClosed: func(addr string, err error) { closed <- addr },
	})
	m.Start(nil)
	defer m.CloseAll()

	m.Connect("addr-b")
	deadline := time.Now().Add(waitFor)
	for {
		if st, ok := m.States()["addr-b"]; ok && st == StateOpen {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection never opened")
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.Close("addr-b")
	select {
	case addr := <-closed:
		if addr != "addr-b" {
			t.Fatalf("wrong closed addr: %s", addr)
		}
	case <-time.After(waitFor):
		t.Fatalf("OnClosed never fired")
	}
	if _, ok := m.States()["addr-b"]; ok {
		t.Fatalf("closed connection still in live set")
	}
}

func TestDialFailureReportsClosed(t *testing.T) {
	mem := transport.NewMem()

	closed := make(chan error, 1)
	m := NewManager(Identity{Username: "alice", Address: "addr-a"}, mem, Options{})
	m.SetHandlers(Handlers{
		OnClosed: func(addr string, err error) { closed <- err },
	})
	m.Start(nil)
	defer m.CloseAll()

	m.Connect("addr-missing")
	select {
	case err := <-closed:
		if err == nil {
			t.Fatalf("expected dial error")
		}
	case <-time.After(waitFor):
		t.Fatalf("dial failure never reported")
	}
	if _, ok := m.States()["addr-missing"]; ok {
		t.Fatalf("failed dial left a live entry")
	}
}

// hangTransport never completes a dial, to exercise the bounded timeout.
type hangTransport struct{}

func (hangTransport) Open(ctx context.Context, addr string) (transport.Channel, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangTransport) Listen(addr string) (transport.Listener, error) {
	return nil, errors.New("not supported")
}

func TestDialTimeoutBoundsConnecting(t *testing.T) {
	closed := make(chan error, 1)
	m := NewManager(Identity{Username: "alice", Address: "addr-a"}, hangTransport{}, Options{
		DialTimeout: 50 * time.Millisecond,
	})
	m.SetHandlers(Handlers{
		OnClosed: func(addr string, err error) { closed <- err },
	})
	m.Start(nil)
	defer m.CloseAll()

	m.Connect("addr-slow")
	select {
	case err := <-closed:
		if err == nil {
			t.Fatalf("expected timeout error")
		}
	case <-time.After(waitFor):
		t.Fatalf("connecting was not bounded by the dial timeout")
	}
}

func TestFrameOrderPreservedPerConnection(t *testing.T) {
	mem := transport.NewMem()
	peerCh := rawPeer(t, mem, "addr-b")

	frames := make(chan proto.ChatFrame, 16)
	m := NewManager(Identity{Username: "alice", Address: "addr-a"}, mem, Options{})
	m.SetHandlers(Handlers{
		OnFrame: func(addr, username string, f proto.ChatFrame) { frames <- f },
	})
	m.Start(nil)
	defer m.CloseAll()

	m.Connect("addr-b")
	peer := <-peerCh
	<-peer.Recv() // introduction

	want := []string{"one", "two", "three", "four"}
	for _, content := range want {
		data, _ := proto.EncodeChatFrame(chatFrame("bob", content))
		if err := peer.Send(data); err != nil {
			t.Fatalf("peer send: %v", err)
		}
	}
	for i, content := range want {
		select {
		case f := <-frames:
			if f.Content != content {
				t.Fatalf("frame %d out of order: got %q want %q", i, f.Content, content)
			}
		case <-time.After(waitFor):
			t.Fatalf("frame %d never arrived", i)
		}
	}
}
