package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrInsufficientBudget is returned, and must propagate, when the caller's
// own context holds less time than the configured safe-call budget. Without
// this pre-check a caller could under-supply budget, have the callee starve
// inside the wrapper, and pass its own starvation off as a contained
// controller failure.
var ErrInsufficientBudget = errors.New("caller budget below safe-call budget")

// ErrBudgetExhausted marks a contained failure where the callee consumed the
// entire reserved budget. The budget was verifiably available up front (see
// CheckBudget), so exhaustion is the controller's doing and is contained
// like any other failure.
var ErrBudgetExhausted = errors.New("controller exhausted safe-call budget")

// Contained is the captured payload of a controller failure that the
// protocol absorbs instead of propagating.
type Contained struct {
	Err error
}

func (c *Contained) Error() string {
	return fmt.Sprintf("contained controller failure: %v", c.Err)
}

// Dispatcher wraps controller calls with the two failure policies the
// protocol requires: safe calls contain callee failures behind a reserved
// resource budget, unsafe calls propagate everything.
type Dispatcher struct {
	budget   time.Duration
	stranded int64 // safe calls whose fn is still running past its budget
}

func NewDispatcher(budget time.Duration) *Dispatcher {
	return &Dispatcher{budget: budget}
}

// Budget returns the per-call resource budget.
func (d *Dispatcher) Budget() time.Duration {
	return d.budget
}

// CheckBudget verifies the caller holds at least the full safe-call budget.
// Call sites run this before committing side effects so a budget violation
// can never surface after the point of no return.
func (d *Dispatcher) CheckBudget(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d.budget {
		return ErrInsufficientBudget
	}
	return nil
}

// SafeCall runs fn under the reserved budget with panic containment.
//
// Return contract:
//   - (nil, nil): fn succeeded
//   - (*Contained, nil): fn failed (error, panic, or budget exhaustion);
//     the failure is captured and execution continues
//   - (nil, err): caller-side budget violation — the caller must fail
//
// A controller that ignores its context keeps its goroutine alive after the
// budget fires; containment still returns on time, but the goroutine runs
// until fn does. Stranded() counts those in-flight strays so persistent
// leakers are visible in metrics.
func (d *Dispatcher) SafeCall(ctx context.Context, fn func(ctx context.Context) error) (*Contained, error) {
	if err := d.CheckBudget(ctx); err != nil {
		return nil, err
	}

	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if d.budget > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.budget)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("controller panic: %v", r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &Contained{Err: ErrBudgetExhausted}, nil
		}
		return &Contained{Err: err}, nil

	case <-callCtx.Done():
		// fn is still running; track it until it returns.
		atomic.AddInt64(&d.stranded, 1)
		go func() {
			<-done
			atomic.AddInt64(&d.stranded, -1)
		}()

		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return &Contained{Err: ErrBudgetExhausted}, nil
		}
		// Caller context canceled outright — propagate.
		return nil, callCtx.Err()
	}
}

// Stranded returns the number of safe calls whose fn outlived its budget and
// has not returned yet.
func (d *Dispatcher) Stranded() int64 {
	return atomic.LoadInt64(&d.stranded)
}

// UnsafeCall runs fn directly: any failure propagates to the caller.
func (d *Dispatcher) UnsafeCall(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
