package smtpconn

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig describes how TLS sessions are set up, for both implicit TLS and
// STARTTLS.
//
// The zero value verifies the server certificate against the system roots
// and the connection's host name.
type TLSConfig struct {
	// InsecureSkipVerify disables verification of the server certificate
	// chain and host name.
	InsecureSkipVerify bool

	// ClientCertFile and ClientKeyFile are PEM files holding a client
	// certificate presented to the server. Both or neither must be set.
	ClientCertFile string
	ClientKeyFile  string

	// CertBundleFile is a PEM file of trust anchors used instead of the
	// system roots.
	CertBundleFile string

	// ServerName overrides the host name the certificate is verified
	// against.
	ServerName string

	// Config, if set, is used as-is and none of the fields above apply. It
	// is borrowed: the Client never modifies it.
	Config *tls.Config
}

// Clone returns a copy of c. The borrowed Config pointer is shared.
func (c *TLSConfig) Clone() *TLSConfig {
	if c == nil {
		return nil
	}
	cc := *c
	return &cc
}

// build returns the tls.Config to hand to crypto/tls for a server named host.
func (c *TLSConfig) build(host string) (*tls.Config, error) {
	if c == nil {
		c = &TLSConfig{}
	}

	if c.Config != nil {
		if c.Config.ServerName != "" || c.Config.InsecureSkipVerify {
			return c.Config, nil
		}
		// Make a copy to avoid polluting argument
		config := c.Config.Clone()
		config.ServerName = host
		return config, nil
	}

	config := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if c.ServerName != "" {
		config.ServerName = c.ServerName
	}

	if c.CertBundleFile != "" {
		pem, err := os.ReadFile(c.CertBundleFile)
		if err != nil {
			return nil, fmt.Errorf("reading certificate bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %q", c.CertBundleFile)
		}
		config.RootCAs = pool
	}

	switch {
	case c.ClientCertFile != "" && c.ClientKeyFile != "":
		cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	case c.ClientCertFile != "" || c.ClientKeyFile != "":
		return nil, invalidArgf("client certificate and key must be set together")
	}

	return config, nil
}

// borrowed returns the caller supplied tls.Config, if any.
func (c *TLSConfig) borrowed() *tls.Config {
	if c == nil {
		return nil
	}
	return c.Config
}
