package smtpconn

import (
	"crypto/tls"
	"net"
	"strconv"
)

// Keys accepted by Client.TransportInfo.
const (
	InfoPeerName    = "peername"    // HostPort of the server
	InfoSockName    = "sockname"    // HostPort of the local end
	InfoSocket      = "socket"      // net.Conn, the raw socket
	InfoCipher      = "cipher"      // Cipher
	InfoPeerCert    = "peercert"    // *x509.Certificate presented by the server
	InfoCompression = "compression" // always nil, crypto/tls never compresses
	InfoSSLContext  = "sslcontext"  // *tls.Config of the session
	InfoSSLObject   = "ssl_object"  // *tls.Conn
)

// HostPort is a transport endpoint.
type HostPort struct {
	Host string
	Port int
}

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}

// Cipher describes the negotiated TLS cipher suite.
type Cipher struct {
	Name    string
	Version string
}

// TransportInfo returns metadata about the current transport.
//
// The value is nil when key doesn't apply to the transport: the TLS keys on
// a plain connection, or any key once the Client is closed. An unknown key
// is an ErrInvalidArgument.
func (c *Client) TransportInfo(key string) (interface{}, error) {
	switch key {
	case InfoPeerName, InfoSockName, InfoSocket, InfoCipher, InfoPeerCert,
		InfoCompression, InfoSSLContext, InfoSSLObject:
	default:
		return nil, invalidArgf("unknown transport info key %q", key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.transport
	if t == nil {
		return nil, nil
	}

	switch key {
	case InfoPeerName:
		return hostPort(t.RemoteAddr()), nil
	case InfoSockName:
		return hostPort(t.LocalAddr()), nil
	case InfoSocket:
		return t.NetConn(), nil
	case InfoCompression:
		return nil, nil
	}

	tt, ok := t.(*tlsTransport)
	if !ok {
		return nil, nil
	}
	switch key {
	case InfoCipher:
		cs := tt.conn.ConnectionState()
		return Cipher{
			Name:    tls.CipherSuiteName(cs.CipherSuite),
			Version: tls.VersionName(cs.Version),
		}, nil
	case InfoPeerCert:
		cs := tt.conn.ConnectionState()
		if len(cs.PeerCertificates) == 0 {
			return nil, nil
		}
		return cs.PeerCertificates[0], nil
	case InfoSSLContext:
		return tt.tlsContext(), nil
	case InfoSSLObject:
		return tt.conn, nil
	}
	return nil, nil
}

func hostPort(addr net.Addr) interface{} {
	if addr == nil {
		return nil
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	p, _ := strconv.Atoi(port)
	return HostPort{Host: host, Port: p}
}
