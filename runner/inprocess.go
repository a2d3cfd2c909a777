/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/PivotLLM/Conduit/faults"
)

type funcOutcome struct {
	value any
	err   error
}

// StartFunc runs fn in-process for job under the same timeout, output and
// cancellation rules as a subprocess. timeout and maxOutput <= 0 use the
// runner defaults. A cancelled function is abandoned: its context is done and
// anything it reports afterwards is discarded.
func (r *Runner) StartFunc(job Job, fn Func, timeout time.Duration, maxOutput int64) (*Execution, error) {
	x, err := r.register(job)
	if err != nil {
		return nil, err
	}

	go r.superviseFunc(x, fn, r.effectiveTimeout(timeout), r.effectiveMaxOutput(maxOutput))
	return x, nil
}

func (r *Runner) superviseFunc(x *Execution, fn Func, timeout time.Duration, maxOutput int64) {
	logger := r.logger.With("correlation", x.job.CorrelationID)

	ctx, cancel := context.WithTimeout(x.ctx, timeout)
	defer cancel()

	progressCh := make(chan string, 64)
	outcomeCh := make(chan funcOutcome, 1)

	emit := func(s string) {
		select {
		case progressCh <- s:
		case <-ctx.Done():
		}
	}

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorf("Panic in %s: %v\n%s", x.job.Tool, rec, debug.Stack())
				outcomeCh <- funcOutcome{err: faults.Wrap(faults.CodeInternal, fmt.Errorf("panic: %v", rec), "tool handler panicked")}
			}
		}()
		v, err := fn(ctx, emit)
		outcomeCh <- funcOutcome{value: v, err: err}
	}()

	var (
		output strings.Builder
		total  int64
		fault  *faults.Fault
	)

	accept := func(s string) {
		if fault != nil {
			return
		}
		total += int64(len(s))
		if total > maxOutput {
			fault = faults.Newf(faults.CodeExecutionFailed, "output limit exceeded: produced more than %d bytes", maxOutput).
				WithDetail("limit", maxOutput)
			cancel()
			return
		}
		output.WriteString(s)
		r.progress(x, streamStdout, s)
	}

	for {
		select {
		case s := <-progressCh:
			accept(s)
			if fault != nil {
				r.finish(x, &Result{ExitCode: -1, Output: output.String(), Fault: fault})
				return
			}

		case out := <-outcomeCh:
			// drain progress reported before the function returned
			for drained := false; !drained; {
				select {
				case s := <-progressCh:
					accept(s)
				default:
					drained = true
				}
			}
			result := &Result{Output: output.String(), Value: out.value}
			switch {
			case fault != nil:
				result.ExitCode = -1
				result.Fault = fault
			case out.err != nil:
				result.ExitCode = 1
				result.Fault = classifyFuncError(ctx, out.err, timeout)
			default:
				result.Success = true
			}
			r.finish(x, result)
			return

		case <-ctx.Done():
			f := classifyFuncError(ctx, ctx.Err(), timeout)
			if errors.Is(ctx.Err(), context.Canceled) {
				select {
				case <-x.abort:
					f = faults.New(faults.CodeExecutionCancelled, "execution aborted by shutdown")
				default:
				}
			}
			r.finish(x, &Result{ExitCode: -1, Output: output.String(), Fault: f})
			return

		case <-x.abort:
			cancel()
		}
	}
}

// classifyFuncError maps a function error, distinguishing our own timeout
// from cancellation
func classifyFuncError(ctx context.Context, err error, timeout time.Duration) *faults.Fault {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return faults.Newf(faults.CodeExecutionTimeout, "execution exceeded timeout of %s", timeout).
			WithDetail("timeoutMs", timeout.Milliseconds())
	}
	if errors.Is(err, context.Canceled) {
		return faults.New(faults.CodeExecutionCancelled, "execution cancelled")
	}
	f := faults.Classify(err)
	if f.Code == faults.CodeInternal {
		var already *faults.Fault
		if !errors.As(err, &already) {
			// plain handler errors are tool failures, not server faults
			return faults.Wrap(faults.CodeExecutionFailed, err, err.Error())
		}
	}
	return f
}
