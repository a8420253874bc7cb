// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package smtpconn

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-sasl"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// A Client represents a client connection to an SMTP server.
//
// A Client runs one operation at a time; concurrent calls are serialized.
type Client struct {
	// Timeout bounds each blocking stage: dial and handshake, the greeting,
	// and each command round-trip. It may be changed between calls.
	Timeout time.Duration

	mu        sync.Mutex
	state     State
	transport Transport
	connector connector
	tlsConfig *TLSConfig

	host      string
	port      int
	localName string // the name to use in HELO/EHLO

	logger logrus.FieldLogger
	log    *logrus.Entry

	didHello bool     // whether we've said HELO/EHLO on this transport
	esmtp    bool     // whether the last hello was EHLO
	ext      Extensions
	auth     []string // supported auth mechanisms, in server order
}

// New returns a disconnected Client.
func New(opts ...Option) *Client {
	c := &Client{
		Timeout:   DefaultTimeout,
		localName: "localhost",
		connector: connector{dialer: &net.Dialer{}},
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.logger.WithField("conn_id", uuid.New().String())
	return c
}

// Dial returns a new Client connected to an SMTP server at addr.
// The addr must include a port, as in "mail.example.com:smtp".
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	return dial(ctx, addr, ModePlaintext, opts)
}

// DialTLS returns a new Client connected to an SMTP server via TLS at addr.
// The addr must include a port, as in "mail.example.com:smtps".
func DialTLS(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	return dial(ctx, addr, ModeImplicitTLS, opts)
}

func dial(ctx context.Context, addr string, mode Mode, opts []Option) (*Client, error) {
	host, service, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, invalidArgf("address %q: %v", addr, err)
	}
	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", service)
	if err != nil {
		return nil, invalidArgf("address %q: %v", addr, err)
	}
	c := New(opts...)
	if err := c.Connect(ctx, host, port, mode, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect opens the transport to host:port and reads the server greeting.
//
// With ModeImplicitTLS the TLS handshake runs before the greeting. A nil
// tlsConfig keeps the one set with WithTLSConfig.
//
// On success the state is StatePlaintext or StateSecureTLS. On failure the
// Client is closed.
func (c *Client) Connect(ctx context.Context, host string, port int, mode Mode, tlsConfig *TLSConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDisconnected {
		return invalidArgf("connect called in state %v", c.state)
	}
	switch {
	case host == "":
		c.teardown()
		return invalidArgf("empty host name")
	case port < 1 || port > 65535:
		c.teardown()
		return invalidArgf("port %d out of range", port)
	case mode != ModePlaintext && mode != ModeImplicitTLS:
		c.teardown()
		return invalidArgf("unknown mode %v", mode)
	}

	if tlsConfig != nil {
		c.tlsConfig = tlsConfig
	}
	c.host, c.port = host, port
	c.log = c.log.WithField("server", c.addr())
	c.state = StateConnecting

	err := c.govern(ctx, "dial", func(ctx context.Context) error {
		t, err := c.connector.open(ctx, host, port, mode, c.tlsConfig)
		if err != nil {
			return err
		}
		c.transport = t
		return nil
	})
	if err != nil {
		return c.abort(wrapConnect("dial", c.addr(), err))
	}

	var greeting *Response
	err = c.govern(ctx, "greeting", func(ctx context.Context) error {
		var err error
		greeting, err = c.readResponse()
		return err
	})
	if err != nil {
		return c.abort(wrapConnect("greeting", c.addr(), err))
	}
	if greeting.Code != 220 {
		return c.abort(&ConnectError{Op: "greeting", Addr: c.addr(), Err: toSMTPErr(greeting)})
	}

	if t, ok := c.transport.(*tlsTransport); ok {
		c.state = StateSecureTLS
		c.logTLS(t)
	} else {
		c.state = StatePlaintext
	}
	c.log.WithField("mode", mode).Debug("connected")
	return nil
}

// Hello sends EHLO to the server as the given host name and records the
// advertised extensions, falling back to HELO if EHLO is rejected with a 5xx
// reply. An empty localName keeps the current one.
//
// Each call replaces whatever was negotiated before. StartTLS and Auth say
// hello on their own if needed, so calling Hello is only required to
// control the host name, or to learn the extensions offered over TLS after
// StartTLS.
//
// If both EHLO and HELO are rejected, a *ConnectError wrapping the
// *SMTPError is returned and the Client is closed.
func (c *Client) Hello(ctx context.Context, localName string) (*Response, error) {
	if err := validateLine(localName); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if localName != "" {
		c.localName = localName
	}
	return c.hello(ctx)
}

func (c *Client) hello(ctx context.Context) (*Response, error) {
	if !c.isConnected() {
		return nil, invalidArgf("hello called in state %v", c.state)
	}
	c.resetSession()

	resp, err := c.cmd(ctx, "ehlo", "EHLO "+c.localName)
	if err != nil {
		return nil, err
	}
	if resp.Code == 250 {
		c.ehloDone(resp)
		return resp, nil
	}
	if resp.Code/100 != 5 {
		return nil, c.abort(&ConnectError{Op: "ehlo", Addr: c.addr(), Err: toSMTPErr(resp)})
	}

	c.log.WithField("code", resp.Code).Debug("EHLO rejected, falling back to HELO")
	resp, err = c.cmd(ctx, "helo", "HELO "+c.localName)
	if err != nil {
		return nil, err
	}
	if resp.Code != 250 {
		return nil, c.abort(&ConnectError{Op: "helo", Addr: c.addr(), Err: toSMTPErr(resp)})
	}
	c.didHello = true
	return resp, nil
}

func (c *Client) ehloDone(resp *Response) {
	ext, auth, skipped := parseEHLO(resp.Lines)
	for _, line := range skipped {
		c.log.WithField("line", line).Warn("skipping malformed EHLO line")
	}
	c.ext = ext
	c.auth = auth
	c.esmtp = true
	c.didHello = true

	if size, ok := c.maxMessageSize(); ok && size > 0 {
		c.log.Debugf("server accepts messages up to %s", units.HumanSize(float64(size)))
	}
}

// ensureHello runs a hello exchange if none happened on the current
// transport.
func (c *Client) ensureHello(ctx context.Context) error {
	if c.didHello {
		return nil
	}
	_, err := c.hello(ctx)
	return err
}

// StartTLS sends the STARTTLS command and encrypts all further communication.
// A nil config uses the one the Client was set up with.
//
// If the server rejects STARTTLS, the *SMTPError is returned and the
// plaintext session is left as it was. If the handshake fails or times out,
// the Client is closed.
//
// On success every extension negotiated so far is forgotten; call Hello to
// learn what the server offers over TLS.
func (c *Client) StartTLS(ctx context.Context, config *TLSConfig) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePlaintext {
		return nil, invalidArgf("STARTTLS called in state %v", c.state)
	}
	if config != nil {
		c.tlsConfig = config
	}
	if err := c.ensureHello(ctx); err != nil {
		return nil, err
	}
	if !c.ext.Has("STARTTLS") {
		c.log.Warn("server did not advertise STARTTLS, trying anyway")
	}

	var resp *Response
	err := c.govern(ctx, "starttls", func(ctx context.Context) error {
		if err := c.writeLine("STARTTLS"); err != nil {
			return err
		}
		var err error
		if resp, err = c.readResponse(); err != nil {
			return err
		}
		if resp.Code != 220 {
			return toSMTPErr(resp)
		}
		// Anything already buffered came in clear text after the reply and
		// would be read as if it were protected by TLS.
		if n := c.transport.text().R.Buffered(); n > 0 {
			return &ProtocolError{Reason: fmt.Sprintf("%d bytes received ahead of the TLS handshake", n)}
		}

		plain := c.transport
		t, err := c.connector.handshake(ctx, plain.NetConn(), c.host, c.tlsConfig)
		if err != nil {
			return err
		}
		c.transport = t
		plain.release()
		return nil
	})

	var smtpErr *SMTPError
	if errors.As(err, &smtpErr) {
		return nil, err
	} else if err != nil {
		return nil, c.abort(wrapConnect("starttls", c.addr(), err))
	}

	c.resetSession()
	c.state = StateSecureTLS
	c.logTLS(c.transport.(*tlsTransport))
	return resp, nil
}

func (c *Client) logTLS(t *tlsTransport) {
	cs := t.conn.ConnectionState()
	c.log.WithFields(logrus.Fields{
		"version": tls.VersionName(cs.Version),
		"cipher":  tls.CipherSuiteName(cs.CipherSuite),
	}).Debug("TLS established")
}

// Execute sends line as a command and returns the server reply, whatever its
// code. Only I/O, framing and timeout failures are returned as errors, and
// they close the Client.
//
// STARTTLS and QUIT change the session and must go through StartTLS and
// Quit; Execute rejects them with ErrInvalidArgument.
func (c *Client) Execute(ctx context.Context, line string) (*Response, error) {
	if err := validateLine(line); err != nil {
		return nil, err
	}
	verb, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch strings.ToUpper(verb) {
	case "STARTTLS":
		return nil, invalidArgf("use StartTLS to send STARTTLS")
	case "QUIT":
		return nil, invalidArgf("use Quit to send QUIT")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnected() {
		return nil, invalidArgf("command called in state %v", c.state)
	}
	return c.cmd(ctx, strings.ToLower(verb), line)
}

// Noop sends the NOOP command to the server. It does nothing but check
// that the connection to the server is okay.
//
// If server returns an error, it will be of type *SMTPError.
func (c *Client) Noop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnected() {
		return invalidArgf("NOOP called in state %v", c.state)
	}
	resp, err := c.cmd(ctx, "noop", "NOOP")
	if err != nil {
		return err
	}
	if resp.Code != 250 {
		return toSMTPErr(resp)
	}
	return nil
}

// Auth authenticates a client using the provided authentication mechanism.
// Only servers that advertise the AUTH extension support this function.
//
// If server returns an error, it will be of type *SMTPError.
func (c *Client) Auth(ctx context.Context, a sasl.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnected() {
		return invalidArgf("AUTH called in state %v", c.state)
	}
	if err := c.ensureHello(ctx); err != nil {
		return err
	}

	encoding := base64.StdEncoding
	mech, resp, err := a.Start()
	if err != nil {
		return fmt.Errorf("smtpconn: AUTH %s: %w", mech, err)
	}
	if !c.supportsAuth(mech) {
		c.log.WithField("mechanism", mech).Warn("server did not advertise AUTH mechanism, trying anyway")
	}

	line := strings.TrimSpace(fmt.Sprintf("AUTH %s %s", mech, encoding.EncodeToString(resp)))
	reply, err := c.cmdRedacted(ctx, "auth", line, "AUTH "+mech+" ***")
	for {
		if err != nil {
			return err
		}

		var challenge []byte
		switch reply.Code {
		case 235:
			return nil
		case 334:
			challenge, err = encoding.DecodeString(reply.Message())
		default:
			return toSMTPErr(reply)
		}
		if err == nil {
			resp, err = a.Next(challenge)
		}
		if err != nil {
			// abort the AUTH
			c.cmd(ctx, "auth", "*")
			return fmt.Errorf("smtpconn: AUTH %s: %w", mech, err)
		}
		reply, err = c.cmdRedacted(ctx, "auth", encoding.EncodeToString(resp), "***")
	}
}

// Quit sends the QUIT command and closes the connection to the server.
//
// The reply to QUIT is read on a best-effort basis: the connection is closed
// whatever happens. Calling Quit on a closed Client does nothing.
func (c *Client) Quit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil
	}
	if c.transport == nil {
		return c.teardown()
	}

	err := c.govern(ctx, "quit", func(ctx context.Context) error {
		if err := c.writeLine("QUIT"); err != nil {
			return err
		}
		_, err := c.readResponse()
		return err
	})
	if err != nil {
		c.log.WithError(err).Warn("ignoring QUIT failure")
	}
	return c.teardown()
}

// Close closes the connection without sending QUIT. Calling Close on a
// closed Client does nothing.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil
	}
	return c.teardown()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a session is open, plaintext or TLS.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected()
}

func (c *Client) isConnected() bool {
	return c.state == StatePlaintext || c.state == StateSecureTLS
}

// IsTLS reports whether the session is encrypted.
func (c *Client) IsTLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateSecureTLS
}

// SupportsESMTP reports whether the last hello was an accepted EHLO.
func (c *Client) SupportsESMTP() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.esmtp
}

// Extensions returns a copy of the extensions advertised in the last EHLO
// reply. It is empty before Hello, after a HELO fallback and right after
// StartTLS.
func (c *Client) Extensions() Extensions {
	c.mu.Lock()
	defer c.mu.Unlock()

	ext := make(Extensions, len(c.ext))
	for k, v := range c.ext {
		ext[k] = v
	}
	return ext
}

// Extension reports whether an extension is support by the server.
// The extension name is case-insensitive. If the extension is supported,
// Extension also returns a string that contains any parameters the
// server specifies for the extension.
//
// Extension never sends a command: it reports the last negotiation.
func (c *Client) Extension(ext string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ext.Has(ext) {
		return false, ""
	}
	return true, c.ext.Param(ext)
}

// AuthMechanisms returns the SASL mechanisms advertised with AUTH, in the
// order the server listed them.
func (c *Client) AuthMechanisms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.auth...)
}

// SupportsAuth checks whether an authentication mechanism is supported.
func (c *Client) SupportsAuth(mech string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supportsAuth(mech)
}

func (c *Client) supportsAuth(mech string) bool {
	for _, m := range c.auth {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// MaxMessageSize returns the maximum message size accepted by the server.
// 0 means unlimited.
//
// If the server doesn't convey this information, ok = false is returned.
func (c *Client) MaxMessageSize() (size int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxMessageSize()
}

func (c *Client) maxMessageSize() (int64, bool) {
	if !c.ext.Has("SIZE") {
		return 0, false
	}
	size, err := strconv.ParseInt(c.ext.Param("SIZE"), 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}

// TLSConnectionState returns the client's TLS connection state.
// The return values are their zero values if the session isn't encrypted.
func (c *Client) TLSConnectionState() (state tls.ConnectionState, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return
	}
	return c.transport.ConnectionState()
}

// TLSContext returns the tls.Config of the current TLS session, or, before
// one is set up, the one supplied through TLSConfig.Config. A config
// supplied by the caller is returned as is.
func (c *Client) TLSContext() *tls.Config {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.transport.(*tlsTransport); ok {
		return t.tlsContext()
	}
	return c.tlsConfig.borrowed()
}

// cmd sends one command line and reads its reply under the client timeout.
// Any failure other than a negative reply closes the Client.
func (c *Client) cmd(ctx context.Context, op, line string) (*Response, error) {
	return c.cmdRedacted(ctx, op, line, line)
}

// cmdRedacted is cmd, logging logged in place of line.
func (c *Client) cmdRedacted(ctx context.Context, op, line, logged string) (*Response, error) {
	var resp *Response
	err := c.govern(ctx, op, func(ctx context.Context) error {
		c.log.Debug("C: " + logged)
		if err := c.transport.text().PrintfLine("%s", line); err != nil {
			return err
		}
		var err error
		resp, err = c.readResponse()
		return err
	})
	if err != nil {
		return nil, c.abort(wrapConnect(op, c.addr(), err))
	}
	return resp, nil
}

func (c *Client) writeLine(line string) error {
	c.log.Debug("C: " + line)
	return c.transport.text().PrintfLine("%s", line)
}

func (c *Client) readResponse() (*Response, error) {
	resp, err := readResponse(&c.transport.text().Reader)
	if err != nil {
		return nil, err
	}
	c.log.Debug("S: " + resp.String())
	return resp, nil
}

// abort closes the transport after a fatal error and returns err.
func (c *Client) abort(err error) error {
	c.teardown()
	c.log.WithError(err).Debug("connection aborted")
	return err
}

// teardown closes the transport, forgets the session and moves to
// StateClosed.
func (c *Client) teardown() error {
	var err error
	if c.transport != nil {
		err = c.transport.Close()
		c.transport = nil
	}
	c.state = StateClosed
	c.resetSession()
	return err
}

// resetSession forgets everything learned from a hello exchange.
func (c *Client) resetSession() {
	c.didHello = false
	c.esmtp = false
	c.ext = nil
	c.auth = nil
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// wrapConnect reports err as a *ConnectError unless it already belongs to
// another category of the error taxonomy.
func wrapConnect(op, addr string, err error) error {
	var (
		connErr    *ConnectError
		timeoutErr *TimeoutError
		protoErr   *ProtocolError
	)
	switch {
	case errors.As(err, &connErr), errors.As(err, &timeoutErr), errors.As(err, &protoErr):
		return err
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, context.Canceled):
		return err
	}
	return &ConnectError{Op: op, Addr: addr, Err: err}
}

// validateLine checks to see if a line has CR or LF.
func validateLine(line string) error {
	if strings.ContainsAny(line, "\n\r") {
		return invalidArgf("a line must not contain CR or LF")
	}
	return nil
}
