package smtpconn

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Option configures a Client.
type Option func(*Client)

// WithLocalName sets the name the client introduces itself with in
// EHLO/HELO. The default is "localhost".
func WithLocalName(name string) Option {
	return func(c *Client) { c.localName = name }
}

// WithTimeout sets the deadline applied to each blocking stage. Zero or a
// negative value leaves only the caller's context in charge.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.Timeout = d }
}

// WithTLSConfig sets the TLS configuration used for implicit TLS and
// STARTTLS when none is passed to Connect or StartTLS.
func WithTLSConfig(cfg *TLSConfig) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// WithDialer sets the dialer used to open the TCP connection.
func WithDialer(d proxy.ContextDialer) Option {
	return func(c *Client) { c.connector.dialer = d }
}

// WithProxyFromEnvironment dials through the proxy named by the ALL_PROXY
// and NO_PROXY environment variables, if any.
func WithProxyFromEnvironment() Option {
	return func(c *Client) {
		forward := &net.Dialer{}
		d := proxy.FromEnvironmentUsing(forward)
		if cd, ok := d.(proxy.ContextDialer); ok {
			c.connector.dialer = cd
			return
		}
		c.connector.dialer = contextDialer{d}
	}
}

// contextDialer adapts a proxy.Dialer that has no DialContext. The dial
// itself can't be interrupted, but its result is dropped once ctx is done.
type contextDialer struct {
	d proxy.Dialer
}

func (cd contextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := cd.d.Dial(network, addr)
		done <- result{conn, err}
	}()
	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// WithLogger sets the logger. The default is logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// WithDebug copies the raw protocol exchange to w. With TLS, the clear text
// is copied.
func WithDebug(w io.Writer) Option {
	return func(c *Client) { c.connector.debug = w }
}
