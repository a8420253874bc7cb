package smtpconn

import (
	"errors"
	"net/textproto"
	"strconv"
	"strings"
)

// Response is a complete, possibly multi-line, server reply.
type Response struct {
	Code int
	// Lines holds the text of each reply line with the code and separator
	// removed.
	Lines     []string
	MultiLine bool
}

// Message returns the reply text with lines joined by "\n".
func (r *Response) Message() string {
	return strings.Join(r.Lines, "\n")
}

func (r *Response) String() string {
	return strconv.Itoa(r.Code) + " " + r.Message()
}

// parseReplyLine splits one reply line into its code, whether it is the last
// line of the reply, and its text.
func parseReplyLine(line string) (code int, last bool, text string, err error) {
	if len(line) < 3 {
		return 0, false, "", &ProtocolError{Line: line, Reason: "reply line too short"}
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, false, "", &ProtocolError{Line: line, Reason: "reply does not start with a 3-digit code"}
		}
	}
	code, _ = strconv.Atoi(line[:3])
	if code < 200 || code > 599 {
		return 0, false, "", &ProtocolError{Line: line, Reason: "reply code out of range"}
	}

	switch {
	case len(line) == 3:
		return code, true, "", nil
	case line[3] == ' ':
		return code, true, line[4:], nil
	case line[3] == '-':
		return code, false, line[4:], nil
	}
	return 0, false, "", &ProtocolError{Line: line, Reason: "expected space or dash after reply code"}
}

// readResponse reads lines until the final line of a reply. Every line must
// carry the same code.
func readResponse(r *textproto.Reader) (*Response, error) {
	resp := &Response{}
	for {
		line, err := r.ReadLine()
		if errors.Is(err, ErrTooLongLine) {
			return nil, &ProtocolError{Reason: ErrTooLongLine.Error()}
		} else if err != nil {
			return nil, err
		}

		code, last, text, err := parseReplyLine(line)
		if err != nil {
			return nil, err
		}
		if len(resp.Lines) == 0 {
			resp.Code = code
		} else if code != resp.Code {
			return nil, &ProtocolError{Line: line, Reason: "multi-line reply with differing codes, started with " + strconv.Itoa(resp.Code)}
		}
		resp.Lines = append(resp.Lines, text)

		if last {
			resp.MultiLine = len(resp.Lines) > 1
			return resp, nil
		}
	}
}
