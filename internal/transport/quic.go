package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"peerchat/internal/debuglog"
	"peerchat/internal/proto"
)

const alpnProto = "peerchat-quic"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate. The wire
// confidentiality target is whatever the transport provides; peers are
// authenticated at the application layer by the introduction exchange.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("peerchat-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	// Fixed dates keep the DER deterministic; the far-future expiry keeps
	// the pinned client verification valid at dial time.
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:     time.Date(2120, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnProto},
	}, nil
}

// QUIC implements Transport with one connection and one long-lived
// bidirectional stream per channel. Frames are length-prefixed.
type QUIC struct{}

func NewQUIC() *QUIC { return &QUIC{} }

func (q *QUIC) Open(ctx context.Context, addr string) (Channel, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	ch := newQUICChannel(conn, stream, addr)
	go ch.readLoop()
	return ch, nil
}

func (q *QUIC) Listen(addr string) (Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	l, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		debuglog.Logf("quic listen error: %v", err)
		return nil, err
	}
	debuglog.Debugf("quic listen ready: %s", l.Addr())
	return &quicListener{inner: l}, nil
}

type quicListener struct {
	inner *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (Channel, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream failed")
		return nil, err
	}
	remote := conn.RemoteAddr().String()
	debuglog.Debugf("accepted channel from %s", remote)
	ch := newQUICChannel(conn, stream, remote)
	go ch.readLoop()
	return ch, nil
}

func (l *quicListener) Addr() string {
	return l.inner.Addr().String()
}

func (l *quicListener) Close() error {
	return l.inner.Close()
}

type quicChannel struct {
	conn   *quic.Conn
	stream *quic.Stream
	remote string

	sendMu sync.Mutex
	recv   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newQUICChannel(conn *quic.Conn, stream *quic.Stream, remote string) *quicChannel {
	return &quicChannel{
		conn:   conn,
		stream: stream,
		remote: remote,
		recv:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

// readLoop is the only goroutine that closes recv, so Send/teardown can
// never race a close against an in-flight delivery.
func (c *quicChannel) readLoop() {
	defer func() {
		c.teardown()
		close(c.recv)
	}()
	for {
		payload, err := proto.ReadFrame(c.stream)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				debuglog.Debugf("quic read error from %s: %v", c.remote, err)
			}
			return
		}
		select {
		case c.recv <- payload:
		case <-c.closed:
			return
		}
	}
}

func (c *quicChannel) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("channel closed")
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return proto.WriteFrame(c.stream, payload)
}

func (c *quicChannel) Recv() <-chan []byte { return c.recv }

func (c *quicChannel) RemoteAddr() string { return c.remote }

func (c *quicChannel) Close() error {
	c.teardown()
	return nil
}

func (c *quicChannel) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.stream.Close()
		// CloseWithError unblocks the pending read, which lets readLoop
		// exit and close recv.
		_ = c.conn.CloseWithError(0, "")
	})
}
