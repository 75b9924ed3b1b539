// Package retry wraps calls to external capabilities (rendering, OCR, LLMs)
// with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"syscall"
	"time"

	retrygo "github.com/avast/retry-go/v4"

	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
)

// Policy is an immutable retry configuration shared by every call of a job.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Retryable classifies a failure; nil means IsRetryable.
	Retryable func(error) bool
}

// DefaultPolicy: 3 attempts, 1s initial delay, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Retryable:    IsRetryable,
	}
}

// Validate rejects policies that could loop forever or never wait.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return apperrors.Configuration("retry max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return apperrors.Configuration("retry delays must not be negative")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.InitialDelay {
		return apperrors.Configuration("retry max delay %s is below initial delay %s", p.MaxDelay, p.InitialDelay)
	}
	return nil
}

// Delay returns the wait before retry n (1-based): min(initial * 2^(n-1), max).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.InitialDelay
	for i := 1; i < n; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) retryable() func(error) bool {
	if p.Retryable != nil {
		return p.Retryable
	}
	return IsRetryable
}

// Permanent marks err as never worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return retrygo.Unrecoverable(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return err != nil && !retrygo.IsRecoverable(err)
}

type statusCoder interface {
	HTTPStatusCode() int
}

// RetryableStatus reports whether an HTTP status signals a transient condition.
func RetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// IsRetryable is the default predicate for network calls: rate limiting,
// server errors, timeouts and dropped connections are transient; cancellation,
// client errors and anything unrecognised are not.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return RetryableStatus(sc.HTTPStatusCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// TransientByDefault treats every failure as transient unless it is permanent
// or a cancellation. Local engines (tesseract, pdftoppm) use it.
func TransientByDefault(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
