package smtpconn

import (
	"bytes"
	"errors"
	"io"
)

// Doubled maximum line length per RFC 5321 (Section 4.5.3.1.6).
const maxReplyLine = 2000

// ErrTooLongLine is reported, inside a ProtocolError, when a server reply
// line exceeds the line limit.
var ErrTooLongLine = errors.New("smtpconn: too long a line in input stream")

// lineLimitReader fails with ErrTooLongLine once a line in the stream grows
// longer than limit bytes. A limit of 0 disables the check. The error is
// sticky.
type lineLimitReader struct {
	r     io.Reader
	limit int

	cur int
	err error
}

func newLineLimitReader(r io.Reader, limit int) *lineLimitReader {
	return &lineLimitReader{r: r, limit: limit}
}

func (r *lineLimitReader) Read(b []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	n, err := r.r.Read(b)
	if r.limit == 0 || n == 0 {
		return n, err
	}

	chunk := b[:n]
	if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
		// Every line ended inside this chunk must fit, only the tail carries
		// over.
		start := 0
		for start <= i {
			j := bytes.IndexByte(chunk[start:], '\n')
			lineLen := j
			if start == 0 {
				lineLen += r.cur
			}
			if lineLen > r.limit {
				r.err = ErrTooLongLine
				return 0, r.err
			}
			start += j + 1
		}
		r.cur = n - i - 1
	} else {
		r.cur += n
	}

	if r.cur > r.limit {
		r.err = ErrTooLongLine
		return 0, r.err
	}
	return n, err
}
