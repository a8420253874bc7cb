package smtpconn

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidArgument is returned, wrapped, when a method is called with a
// bad argument or in a state that does not allow it.
var ErrInvalidArgument = errors.New("smtpconn: invalid argument")

func invalidArgf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidArgument}, args...)...)
}

// ConnectError reports that a session could not be established or kept:
// the transport could not be opened, the greeting or hello was rejected, or
// the TLS handshake failed. The Client is always closed when it is returned.
type ConnectError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("smtpconn: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("smtpconn: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that a stage did not finish within its deadline.
// The in-flight I/O was aborted and the Client is closed.
type TimeoutError struct {
	Op       string
	Duration time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	if e.Duration > 0 {
		return fmt.Sprintf("smtpconn: %s: timed out after %v", e.Op, e.Duration)
	}
	return fmt.Sprintf("smtpconn: %s: timed out", e.Op)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Timeout always reports true.
func (e *TimeoutError) Timeout() bool {
	return true
}

// Temporary reports false: the session is gone after a timeout.
func (e *TimeoutError) Temporary() bool {
	return false
}

// ProtocolError reports a reply that does not follow the SMTP framing rules.
// The session cannot be trusted afterwards and the Client is closed.
type ProtocolError struct {
	Line   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return "smtpconn: protocol error: " + e.Reason
	}
	return fmt.Sprintf("smtpconn: protocol error: %s: %q", e.Reason, e.Line)
}

// EnhancedCode is an RFC 2034 enhanced status code.
type EnhancedCode [3]int

// NoEnhancedCode is used when the reply carries no enhanced status code.
var NoEnhancedCode = EnhancedCode{-1, -1, -1}

func (c EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", c[0], c[1], c[2])
}

// SMTPError is a well-formed reply whose code is not the one the command
// expected.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string
	// Lines holds the reply text as sent, one entry per line.
	Lines []string
}

func (err *SMTPError) Error() string {
	if err.EnhancedCode != NoEnhancedCode {
		return fmt.Sprintf("smtp error %d %v: %s", err.Code, err.EnhancedCode, err.Message)
	}
	return fmt.Sprintf("smtp error %d: %s", err.Code, err.Message)
}

// Temporary reports whether the reply is a 4xx transient failure.
func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func parseEnhancedCode(s string) (EnhancedCode, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return EnhancedCode{}, fmt.Errorf("wrong amount of enhanced code parts")
	}

	code := EnhancedCode{}
	for i, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil {
			return code, err
		}
		code[i] = num
	}
	return code, nil
}

// toSMTPErr converts a reply into an SMTPError, parsing the enhanced status
// code if it is present.
func toSMTPErr(resp *Response) *SMTPError {
	smtpErr := &SMTPError{
		Code:         resp.Code,
		EnhancedCode: NoEnhancedCode,
		Message:      resp.Message(),
		Lines:        resp.Lines,
	}

	parts := strings.SplitN(smtpErr.Message, " ", 2)
	if len(parts) != 2 {
		return smtpErr
	}

	enchCode, err := parseEnhancedCode(parts[0])
	if err != nil || enchCode[0] != resp.Code/100 {
		return smtpErr
	}

	// Per RFC 2034, enhanced code should be prepended to each line.
	msg := strings.ReplaceAll(parts[1], "\n"+parts[0]+" ", "\n")

	smtpErr.EnhancedCode = enchCode
	smtpErr.Message = msg
	return smtpErr
}
