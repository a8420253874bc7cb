package smtpconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// aLongTimeAgo is a deadline in the past, used to make blocked I/O return
// immediately.
var aLongTimeAgo = time.Unix(1, 0)

// govern runs fn, one blocking stage named op, under the client's timeout.
//
// The stage deadline is pushed down to the active transport, and cancelling
// ctx unblocks in-flight reads and writes, so an aborted stage never keeps
// running in the background. Deadline expiry is reported as *TimeoutError.
// Well-formed negative replies (*SMTPError) are passed through unchanged.
func (c *Client) govern(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	timeout := c.Timeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if t := c.transport; t != nil {
		if deadline, ok := ctx.Deadline(); ok {
			t.setDeadline(deadline)
		}
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			t.setDeadline(aLongTimeAgo)
			close(fired)
		})
		defer func() {
			// Once started, the callback must finish before the reset.
			if !stop() {
				<-fired
			}
			t.setDeadline(time.Time{})
		}()
	}

	err := fn(ctx)
	if err == nil {
		return nil
	}

	var smtpErr *SMTPError
	if errors.As(err, &smtpErr) {
		return err
	}
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.Canceled):
		return fmt.Errorf("smtpconn: %s: %w", op, ctxErr)
	case ctxErr != nil || isTimeout(err):
		return &TimeoutError{Op: op, Duration: timeout, Err: err}
	}
	return err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
