package retry

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go/v4"

	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
)

// State is the terminal state of an invocation.
type State int

const (
	StateSucceeded State = iota
	StateExhausted
	StateFatal
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateFatal:
		return "fatal"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome describes how an invocation went.
type Outcome struct {
	Stage    string
	Page     int
	Attempts int
	Retries  int
	Delays   []time.Duration
	State    State
}

// Timer abstracts waiting so tests can run without sleeping.
type Timer interface {
	After(time.Duration) <-chan time.Time
}

type realTimer struct{}

func (realTimer) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Call identifies one external call for logging and error reporting.
type Call struct {
	Stage string
	// Page is 1-based; 0 for document-level calls.
	Page int
	// Retryable overrides the policy predicate for this call.
	Retryable func(error) bool
}

// Invoker runs calls under a Policy.
type Invoker struct {
	policy Policy
	logger logger.Logger
	timer  Timer
}

type InvokerOption func(*Invoker)

// WithTimer replaces the wall-clock timer.
func WithTimer(t Timer) InvokerOption {
	return func(i *Invoker) {
		i.timer = t
	}
}

func NewInvoker(policy Policy, log logger.Logger, opts ...InvokerOption) *Invoker {
	if log == nil {
		log = logger.NewNop()
	}
	inv := &Invoker{
		policy: policy,
		logger: log.Named("retry"),
		timer:  realTimer{},
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (i *Invoker) Policy() Policy {
	return i.policy
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// policy runs out of attempts. Exhaustion and fatal failures come back as
// ExternalCallExhausted errors carrying the stage and page; cancellation of
// ctx comes back as a Cancelled error.
func Do[T any](ctx context.Context, inv *Invoker, call Call, fn func(context.Context) (T, error)) (T, Outcome, error) {
	var zero T
	out := Outcome{Stage: call.Stage, Page: call.Page}

	if err := ctx.Err(); err != nil {
		out.State = StateCancelled
		return zero, out, apperrors.Cancelled(call.Stage, err)
	}

	maxAttempts := inv.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := call.Retryable
	if retryable == nil {
		retryable = inv.policy.retryable()
	}

	var lastErr error
	var lastRetryable bool
	v, err := retrygo.DoWithData(
		func() (T, error) {
			out.Attempts++
			v, err := fn(ctx)
			if err != nil {
				lastErr = err
			}
			return v, err
		},
		retrygo.Context(ctx),
		retrygo.Attempts(uint(maxAttempts)),
		retrygo.LastErrorOnly(true),
		retrygo.WithTimer(inv.timer),
		retrygo.RetryIf(func(err error) bool {
			lastRetryable = ctx.Err() == nil && !IsPermanent(err) && retryable(err)
			return lastRetryable
		}),
		retrygo.DelayType(func(n uint, _ error, _ *retrygo.Config) time.Duration {
			d := inv.policy.Delay(int(n))
			out.Delays = append(out.Delays, d)
			return d
		}),
		retrygo.OnRetry(func(n uint, err error) {
			if int(n)+1 >= maxAttempts {
				return
			}
			inv.logger.Warn("external call failed, retrying",
				logger.String("stage", call.Stage),
				logger.Int("page", call.Page),
				logger.Int("attempt", int(n)+1),
				logger.Duration("delay", inv.policy.Delay(int(n)+1)),
				logger.Error(err),
			)
		}),
	)
	out.Retries = out.Attempts - 1
	if out.Retries < 0 {
		out.Retries = 0
	}

	if err == nil {
		out.State = StateSucceeded
		if out.Retries > 0 {
			inv.logger.Info("external call succeeded after retries",
				logger.String("stage", call.Stage),
				logger.Int("page", call.Page),
				logger.Int("attempts", out.Attempts),
			)
		}
		return v, out, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		out.State = StateCancelled
		return zero, out, apperrors.Cancelled(call.Stage, ctxErr)
	}
	if lastErr == nil {
		lastErr = err
	}

	if lastRetryable {
		out.State = StateExhausted
	} else {
		out.State = StateFatal
	}
	inv.logger.Error("external call failed",
		logger.String("stage", call.Stage),
		logger.Int("page", call.Page),
		logger.Int("attempts", out.Attempts),
		logger.String("state", out.State.String()),
		logger.Error(lastErr),
	)
	return zero, out, apperrors.ExternalCallExhausted(call.Stage, call.Page, out.Attempts, lastErr)
}
