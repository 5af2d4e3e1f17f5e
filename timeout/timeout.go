// Package timeout wraps arbitrary operations with an advisory deadline.
//
// A deadline here is a promise about when the caller gets an answer, not
// about when the work stops: unless the operation observes the context it
// is given, it keeps running in the background after the deadline fires.
// Callers that need true cancellation should use WithCancellableDeadline
// and make the operation honor its context.
package timeout

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dbflow/types"
)

// Options labels one controller invocation and optionally attaches a
// cleanup callback invoked when the deadline elapses first.
type Options struct {
	// Operation names what is being wrapped, e.g. "transaction.attempt".
	Operation string
	// Component names the owner, e.g. "txn" or a tenant name.
	Component string
	// Cleanup runs if the deadline fires before the operation settles.
	// Errors and panics from cleanup are swallowed and logged, never
	// propagated.
	Cleanup func() error
	// Logger receives cleanup failures and deadline diagnostics.
	Logger *zap.Logger
}

type result[T any] struct {
	value T
	err   error
}

// WithDeadline runs op and waits at most d for it to settle. If op settles
// first its value and error propagate unchanged. If the deadline elapses
// first, the optional cleanup runs and the call fails with a TIMEOUT error
// carrying the duration and labels. The operation is NOT interrupted; op
// receives the caller's context unchanged and may keep running after the
// call returns.
func WithDeadline[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error), opts Options) (T, error) {
	return run(ctx, d, op, opts, false)
}

// WithCancellableDeadline behaves like WithDeadline, but op receives a
// context that is cancelled when the deadline elapses. Cooperative
// operations observe the cancellation and stop; opaque operations still
// become zombies.
func WithCancellableDeadline[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error), opts Options) (T, error) {
	return run(ctx, d, op, opts, true)
}

// Run is the error-only convenience form of WithDeadline.
func Run(ctx context.Context, d time.Duration, op func(context.Context) error, opts Options) error {
	_, err := WithDeadline(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
	return err
}

// RunCancellable is the error-only convenience form of WithCancellableDeadline.
func RunCancellable(ctx context.Context, d time.Duration, op func(context.Context) error, opts Options) error {
	_, err := WithCancellableDeadline(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
	return err
}

func run[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error), opts Options, cancellable bool) (T, error) {
	var zero T

	if op == nil {
		return zero, types.NewError(types.ErrConfiguration, "timeout: operation must not be nil").
			WithPhase(opts.Operation)
	}
	if d <= 0 {
		return zero, types.NewError(types.ErrConfiguration, "timeout: duration must be positive").
			WithPhase(opts.Operation)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opCtx := ctx
	var cancel context.CancelFunc
	if cancellable {
		opCtx, cancel = context.WithTimeout(ctx, d)
	}

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: types.NewError(types.ErrInternalError, "timeout: operation panicked").
					WithPhase(opts.Operation)}
			}
			if cancel != nil {
				cancel()
			}
		}()
		v, err := op(opCtx)
		done <- result[T]{value: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case res := <-done:
		// A cancellable op that returns its context's deadline error lost
		// the race against timer.C; normalize it so callers see one shape.
		if cancellable && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			runCleanup(opts, logger)
			return zero, types.NewError(types.ErrTimeout,
				"operation timed out after "+d.String()).
				WithPhase(opts.Operation).
				WithRetryable(true)
		}
		return res.value, res.err

	case <-ctx.Done():
		runCleanup(opts, logger)
		return zero, types.NewError(types.ErrTimeout, "timeout: caller context cancelled").
			WithPhase(opts.Operation).
			WithCause(ctx.Err())

	case <-timer.C:
		runCleanup(opts, logger)
		logger.Warn("operation deadline elapsed",
			zap.String("operation", opts.Operation),
			zap.String("component", opts.Component),
			zap.Duration("deadline", d),
			zap.Bool("cancellable", cancellable),
		)
		return zero, types.NewError(types.ErrTimeout,
			"operation timed out after "+d.String()).
			WithPhase(opts.Operation).
			WithRetryable(true)
	}
}

// runCleanup invokes the cleanup callback, swallowing errors and panics.
func runCleanup(opts Options, logger *zap.Logger) {
	if opts.Cleanup == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("timeout cleanup panicked",
				zap.String("operation", opts.Operation),
				zap.Any("panic", r),
			)
		}
	}()
	if err := opts.Cleanup(); err != nil {
		logger.Error("timeout cleanup failed",
			zap.String("operation", opts.Operation),
			zap.String("component", opts.Component),
			zap.Error(err),
		)
	}
}
