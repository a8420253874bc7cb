// Package smtpconn implements the connection layer of an SMTP client as
// defined in RFC 5321.
//
// It covers opening the transport (plain TCP or implicit TLS), reading the
// greeting, negotiating extensions with EHLO (falling back to HELO) and
// upgrading a plaintext session in place with STARTTLS (RFC 3207).
//
// After a successful STARTTLS every capability learned over the plaintext
// channel is discarded, since it may have been tampered with. Call Hello
// again to learn what the server offers over TLS.
//
// A Client serves one request at a time. Commands are never pipelined.
package smtpconn

import (
	"fmt"
	"time"
)

// DefaultTimeout is applied to each blocking stage (dial, command round-trip,
// TLS handshake) unless changed with WithTimeout or Client.Timeout.
const DefaultTimeout = 60 * time.Second

// State is the lifecycle state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StatePlaintext
	StateSecureTLS
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StatePlaintext:
		return "plaintext"
	case StateSecureTLS:
		return "secure-tls"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Mode selects how the transport is opened.
type Mode int

const (
	// ModePlaintext opens a plain TCP connection. It can later be upgraded
	// with StartTLS.
	ModePlaintext Mode = iota
	// ModeImplicitTLS performs the TLS handshake right after the TCP
	// connection is established, before the greeting (port 465).
	ModeImplicitTLS
)

func (m Mode) String() string {
	switch m {
	case ModePlaintext:
		return "plaintext"
	case ModeImplicitTLS:
		return "implicit-tls"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}
