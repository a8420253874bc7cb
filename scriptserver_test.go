package smtpconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptServer is an smtp server, finely tailored to deal with our own
// client only. Every command is answered with the next queued reply; QUIT
// is always answered with 221 and ends the session. A "220" reply to
// STARTTLS starts a TLS handshake.
type scriptServer struct {
	ln          net.Listener
	tlsConfig   *tls.Config
	implicitTLS bool
	greeting    string

	done chan struct{}

	mu        sync.Mutex
	replies   []string
	delay     time.Duration
	received  []string
	peerCerts int
	conns     []net.Conn
}

type scriptOption func(*scriptServer)

func withImplicitTLS() scriptOption {
	return func(s *scriptServer) { s.implicitTLS = true }
}

func withGreeting(greeting string) scriptOption {
	return func(s *scriptServer) { s.greeting = greeting }
}

func withServerTLSConfig(config *tls.Config) scriptOption {
	return func(s *scriptServer) { s.tlsConfig = config }
}

func newScriptServer(t *testing.T, opts ...scriptOption) *scriptServer {
	t.Helper()
	s := &scriptServer{
		ln:        newLocalListener(t),
		tlsConfig: testServerTLSConfig(t),
		greeting:  "220 localhost ESMTP service ready",
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *scriptServer) port() int {
	return listenerPort(s.ln)
}

// push queues replies. Lines of a multi-line reply are separated by "\n".
func (s *scriptServer) push(replies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// delayNext holds the next reply back for d.
func (s *scriptServer) delayNext(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *scriptServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func (s *scriptServer) clientCertificates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerCerts
}

// dropConnections closes every accepted connection.
func (s *scriptServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *scriptServer) close() {
	close(s.done)
	s.ln.Close()
	s.dropConnections()
}

func (s *scriptServer) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go s.handle(c)
	}
}

func (s *scriptServer) next(cmd string) (string, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received = append(s.received, cmd)
	delay := s.delay
	s.delay = 0
	if len(s.replies) == 0 {
		if strings.HasPrefix(cmd, "EHLO ") || strings.HasPrefix(cmd, "HELO ") {
			return "250 localhost", delay
		}
		return "250 OK", delay
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, delay
}

func (s *scriptServer) startTLS(c net.Conn) (net.Conn, error) {
	tc := tls.Server(c, s.tlsConfig)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.peerCerts += len(tc.ConnectionState().PeerCertificates)
	s.mu.Unlock()
	return tc, nil
}

func (s *scriptServer) handle(c net.Conn) {
	defer c.Close()

	if s.implicitTLS {
		tc, err := s.startTLS(c)
		if err != nil {
			return
		}
		c = tc
	}

	send := func(reply string) error {
		_, err := io.WriteString(c, strings.ReplaceAll(reply, "\n", "\r\n")+"\r\n")
		return err
	}
	if err := send(s.greeting); err != nil {
		return
	}

	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		if cmd == "QUIT" {
			s.mu.Lock()
			s.received = append(s.received, cmd)
			s.mu.Unlock()
			send("221 localhost Service closing transmission channel")
			return
		}

		reply, delay := s.next(cmd)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-s.done:
				return
			}
		}
		if err := send(reply); err != nil {
			return
		}

		if cmd == "STARTTLS" && strings.HasPrefix(reply, "220") {
			tc, err := s.startTLS(c)
			if err != nil {
				return
			}
			c = tc
			r = bufio.NewReader(c)
		}
	}
}

// connectScript returns a plaintext Client connected to s.
func connectScript(t *testing.T, s *scriptServer, opts ...Option) *Client {
	t.Helper()
	c := New(opts...)
	err := c.Connect(context.Background(), testHost, s.port(), ModePlaintext, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

var insecureTLS = &TLSConfig{InsecureSkipVerify: true}
