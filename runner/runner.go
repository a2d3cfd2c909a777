/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package runner is the execution engine. It runs subprocesses and in-process
// functions under timeout, output and cancellation limits, streaming their
// output as events and caching the final result.
package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PivotLLM/Conduit/events"
	"github.com/PivotLLM/Conduit/faults"
	"github.com/PivotLLM/Conduit/global"
	"github.com/PivotLLM/Conduit/logging"
)

// DefaultChunkSize is the largest progress chunk read from a stream at once
const DefaultChunkSize = 32 * 1024

// Job identifies the correlated request an execution belongs to
type Job struct {
	SessionID     string
	RequestID     string
	CorrelationID string
	Tool          string

	// Context cancellation starts graceful termination
	Context context.Context
}

// Spec describes a subprocess
type Spec struct {
	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"`
	// Shell runs Program as a command line through the system shell
	Shell          bool          `json:"shell,omitempty"`
	Dir            string        `json:"dir,omitempty"`
	Env            []string      `json:"env,omitempty"`
	Stdin          string        `json:"-"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	MaxOutputBytes int64         `json:"max_output_bytes,omitempty"`
}

// Func is an in-process execution. progress emits a chunk of output.
type Func func(ctx context.Context, progress func(chunk string)) (any, error)

// Result is the outcome of an execution
//
//goland:noinspection GoNameStartsWithPackageName
type Result struct {
	SessionID     string        `json:"sessionId"`
	RequestID     string        `json:"requestId"`
	CorrelationID string        `json:"correlationId"`
	Success       bool          `json:"success"`
	ExitCode      int           `json:"exitCode"`
	Output        string        `json:"output"`
	Stderr        string        `json:"stderr,omitempty"`
	Value         any           `json:"value,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
	FinishedAt    time.Time     `json:"finishedAt"`
	Fault         *faults.Fault `json:"-"`
}

// Execution is a running or finished execution
type Execution struct {
	job     Job
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	abort   chan struct{}
	once    sync.Once
	done    chan struct{}
	result  *Result
}

// Done is closed after the terminal event has been published
func (x *Execution) Done() <-chan struct{} {
	return x.done
}

// Result returns the outcome. It is nil until Done is closed.
func (x *Execution) Result() *Result {
	select {
	case <-x.done:
		return x.result
	default:
		return nil
	}
}

// Job returns the job the execution runs for
func (x *Execution) Job() Job {
	return x.job
}

// kill stops the execution without a grace period
func (x *Execution) kill() {
	x.once.Do(func() {
		close(x.abort)
	})
}

// Runner executes jobs
type Runner struct {
	logger         *logging.Logger
	bus            *events.Bus
	timeout        time.Duration
	grace          time.Duration
	maxOutputBytes int64
	chunkSize      int
	results        *resultCache

	active  sync.Map // correlation id -> *Execution
	running atomic.Int64
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// Option configures a Runner
type Option func(*Runner)

// WithTimeout sets the default execution timeout
func WithTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.timeout = timeout
	}
}

// WithGracePeriod sets the delay between graceful termination and forced kill
func WithGracePeriod(grace time.Duration) Option {
	return func(r *Runner) {
		r.grace = grace
	}
}

// WithMaxOutputBytes sets the default per-stream output ceiling
func WithMaxOutputBytes(n int64) Option {
	return func(r *Runner) {
		r.maxOutputBytes = n
	}
}

// WithResultCache bounds the result cache
func WithResultCache(size int, ttl time.Duration) Option {
	return func(r *Runner) {
		r.results = newResultCache(size, ttl)
	}
}

// WithChunkSize sets the progress chunk size
func WithChunkSize(n int) Option {
	return func(r *Runner) {
		r.chunkSize = n
	}
}

// New creates a new Runner publishing on bus
func New(bus *events.Bus, logger *logging.Logger, opts ...Option) *Runner {
	r := &Runner{
		logger:         logger,
		bus:            bus,
		timeout:        global.DefaultTimeout,
		grace:          global.DefaultGracePeriod,
		maxOutputBytes: global.DefaultMaxOutputBytes,
		chunkSize:      DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.results == nil {
		r.results = newResultCache(global.DefaultResultCacheSize, global.DefaultResultTTL)
	}
	return r
}

// register creates and tracks an execution for job
func (r *Runner) register(job Job) (*Execution, error) {
	if r.closed.Load() {
		return nil, faults.New(faults.CodeExecutionFailed, "execution engine is shut down").
			WithIdentity(job.SessionID, job.RequestID, job.CorrelationID)
	}

	parent := job.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	x := &Execution{
		job:     job,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	if _, loaded := r.active.LoadOrStore(job.CorrelationID, x); loaded {
		cancel()
		return nil, faults.Newf(faults.CodeCorrelationFailed, "correlation %s is already executing", job.CorrelationID).
			WithIdentity(job.SessionID, job.RequestID, job.CorrelationID)
	}
	r.running.Add(1)
	r.wg.Add(1)
	return x, nil
}

// finish publishes the terminal event, caches the result and releases the execution
func (r *Runner) finish(x *Execution, result *Result) {
	defer r.wg.Done()

	result.SessionID = x.job.SessionID
	result.RequestID = x.job.RequestID
	result.CorrelationID = x.job.CorrelationID
	result.Elapsed = time.Since(x.started)
	result.FinishedAt = time.Now()

	event := events.Event{
		SessionID:     x.job.SessionID,
		RequestID:     x.job.RequestID,
		CorrelationID: x.job.CorrelationID,
		Tool:          x.job.Tool,
		ExitCode:      result.ExitCode,
		Success:       result.Success,
		Output:        result.Output,
		Stderr:        result.Stderr,
		Value:         result.Value,
		Elapsed:       result.Elapsed,
	}

	logger := r.logger.With("correlation", x.job.CorrelationID)
	if result.Fault != nil {
		result.Fault = result.Fault.WithIdentity(x.job.SessionID, x.job.RequestID, x.job.CorrelationID)
		event.Kind = events.KindError
		event.Fault = result.Fault
		logger.Warnf("Execution of %s failed after %s: %s", x.job.Tool, result.Elapsed.Round(time.Millisecond), result.Fault.Message)
	} else {
		event.Kind = events.KindComplete
		logger.Infof("Execution of %s finished with exit code %d in %s", x.job.Tool, result.ExitCode, result.Elapsed.Round(time.Millisecond))
	}

	r.results.put(x.job.CorrelationID, result)
	r.bus.Publish(event)

	x.result = result
	r.active.Delete(x.job.CorrelationID)
	r.running.Add(-1)
	x.cancel()
	close(x.done)
}

// progress publishes a chunk of output
func (r *Runner) progress(x *Execution, stream, chunk string) {
	r.bus.Publish(events.Event{
		Kind:          events.KindProgress,
		SessionID:     x.job.SessionID,
		RequestID:     x.job.RequestID,
		CorrelationID: x.job.CorrelationID,
		Tool:          x.job.Tool,
		Stream:        stream,
		Data:          chunk,
	})
}

// Cancel starts graceful termination of an execution. It reports whether the
// execution was active.
func (r *Runner) Cancel(correlationID string) bool {
	v, ok := r.active.Load(correlationID)
	if !ok {
		return false
	}
	v.(*Execution).cancel()
	return true
}

// Lookup returns an active execution
func (r *Runner) Lookup(correlationID string) (*Execution, bool) {
	v, ok := r.active.Load(correlationID)
	if !ok {
		return nil, false
	}
	return v.(*Execution), true
}

// Result returns the cached result of a finished execution
func (r *Runner) Result(correlationID string) (*Result, bool) {
	return r.results.get(correlationID)
}

// TakeResult returns and evicts the cached result of a finished execution
func (r *Runner) TakeResult(correlationID string) (*Result, bool) {
	return r.results.take(correlationID)
}

// ActiveCount returns the number of running executions
func (r *Runner) ActiveCount() int {
	return int(r.running.Load())
}

// CachedResults returns the number of cached results
func (r *Runner) CachedResults() int {
	return r.results.len()
}

// IsRunning reports whether any execution is active
func (r *Runner) IsRunning() bool {
	return r.running.Load() > 0
}

// Wait blocks until every execution has finished
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Cleanup kills every active execution, waits for them to finish and clears
// the result cache. The runner accepts no new work afterwards.
func (r *Runner) Cleanup() {
	r.closed.Store(true)

	killed := 0
	r.active.Range(func(_, v any) bool {
		v.(*Execution).kill()
		killed++
		return true
	})
	if killed > 0 {
		r.logger.Infof("Execution engine: killing %d active executions", killed)
	}

	r.wg.Wait()
	r.results.clear()
}

// effectiveTimeout returns t or the runner default
func (r *Runner) effectiveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return r.timeout
}

// effectiveMaxOutput returns n or the runner default
func (r *Runner) effectiveMaxOutput(n int64) int64 {
	if n > 0 {
		return n
	}
	return r.maxOutputBytes
}
