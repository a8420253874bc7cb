package smtpconn

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// Transport is the byte stream a Client talks over: a plain TCP connection
// or a TLS session on top of one. A Client owns exactly one Transport at a
// time.
type Transport interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// NetConn returns the socket the transport runs on.
	NetConn() net.Conn
	// ConnectionState returns the TLS session details. ok is false for a
	// plain transport.
	ConnectionState() (state tls.ConnectionState, ok bool)
	Close() error

	text() *textproto.Conn
	setDeadline(t time.Time) error
	// release drops the transport's buffers without closing the socket.
	// It is used when another transport takes the socket over.
	release()
}

// newText builds the line reader/writer laid on top of conn. Raw protocol
// bytes are copied to debug when it is non-nil.
func newText(conn net.Conn, debug io.Writer) *textproto.Conn {
	var r io.Reader = conn
	var w io.Writer = conn
	if debug != nil {
		r = io.TeeReader(conn, debug)
		w = io.MultiWriter(conn, debug)
	}
	return textproto.NewConn(struct {
		io.Reader
		io.Writer
		io.Closer
	}{
		Reader: newLineLimitReader(r, maxReplyLine),
		Writer: w,
		Closer: conn,
	})
}

type plainTransport struct {
	conn net.Conn
	tc   *textproto.Conn
}

func newPlainTransport(conn net.Conn, debug io.Writer) *plainTransport {
	return &plainTransport{conn: conn, tc: newText(conn, debug)}
}

func (t *plainTransport) LocalAddr() net.Addr           { return t.conn.LocalAddr() }
func (t *plainTransport) RemoteAddr() net.Addr          { return t.conn.RemoteAddr() }
func (t *plainTransport) NetConn() net.Conn             { return t.conn }
func (t *plainTransport) text() *textproto.Conn         { return t.tc }
func (t *plainTransport) setDeadline(d time.Time) error { return t.conn.SetDeadline(d) }

func (t *plainTransport) ConnectionState() (tls.ConnectionState, bool) {
	return tls.ConnectionState{}, false
}

func (t *plainTransport) Close() error {
	return t.conn.Close()
}

func (t *plainTransport) release() {
	t.tc = nil
}

type tlsTransport struct {
	conn *tls.Conn
	tc   *textproto.Conn
	// config is what the session was set up with. supplied is the caller's
	// own tls.Config, if any, reported back unchanged.
	config   *tls.Config
	supplied *tls.Config
}

func (t *tlsTransport) LocalAddr() net.Addr           { return t.conn.LocalAddr() }
func (t *tlsTransport) RemoteAddr() net.Addr          { return t.conn.RemoteAddr() }
func (t *tlsTransport) NetConn() net.Conn             { return t.conn.NetConn() }
func (t *tlsTransport) text() *textproto.Conn         { return t.tc }
func (t *tlsTransport) setDeadline(d time.Time) error { return t.conn.SetDeadline(d) }

func (t *tlsTransport) ConnectionState() (tls.ConnectionState, bool) {
	return t.conn.ConnectionState(), true
}

func (t *tlsTransport) Close() error {
	return t.conn.Close()
}

func (t *tlsTransport) release() {
	t.tc = nil
}

func (t *tlsTransport) tlsContext() *tls.Config {
	if t.supplied != nil {
		return t.supplied
	}
	return t.config
}

// connector opens transports.
type connector struct {
	dialer proxy.ContextDialer
	debug  io.Writer
}

// open dials host:port and, for ModeImplicitTLS, completes the TLS handshake
// before returning. The caller owns the returned transport.
func (cn *connector) open(ctx context.Context, host string, port int, mode Mode, cfg *TLSConfig) (Transport, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := cn.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if mode == ModePlaintext {
		return newPlainTransport(conn, cn.debug), nil
	}

	t, err := cn.handshake(ctx, conn, host, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// handshake runs a TLS client handshake over conn. It does not close conn on
// failure.
func (cn *connector) handshake(ctx context.Context, conn net.Conn, host string, cfg *TLSConfig) (*tlsTransport, error) {
	config, err := cfg.build(host)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return &tlsTransport{
		conn:     tlsConn,
		tc:       newText(tlsConn, cn.debug),
		config:   config,
		supplied: cfg.borrowed(),
	}, nil
}
