package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrRecipientUnreachable marks a delivery error after which the recipient can
// never receive messages again (blocked the bot, account deleted, chat gone).
var ErrRecipientUnreachable = errors.New("recipient unreachable")

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Channel is the send primitive of an external messaging provider.
//
// Implementations wrap permanent delivery errors with Unreachable and may
// attach a provider retry hint with RetryAfter. Every other error is treated
// as retryable by callers.
type Channel interface {
	Send(ctx context.Context, to string, text string, opt *SendOptions) error
}

// Unreachable wraps err so that errors.Is(err, ErrRecipientUnreachable) holds.
func Unreachable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrRecipientUnreachable)
}

// IsUnreachable reports whether err carries the unreachable-recipient mark.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrRecipientUnreachable)
}

// RetryAfter attaches a provider-suggested delay to err (e.g. Telegram flood control).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterHint returns the delay attached with RetryAfter, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e retryAfterError
	if errors.As(err, &e) {
		return e.after, true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error { return e.err }
