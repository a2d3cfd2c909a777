/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package runner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/PivotLLM/Conduit/faults"
)

const (
	streamStdout = "stdout"
	streamStderr = "stderr"
)

type chunk struct {
	stream string
	data   []byte
}

// Start launches a subprocess for job. Launch failures are reported through
// the execution's terminal event, not the returned error, which is reserved
// for jobs that cannot be registered.
func (r *Runner) Start(job Job, spec Spec) (*Execution, error) {
	x, err := r.register(job)
	if err != nil {
		return nil, err
	}

	program, args := spec.Program, spec.Args
	if spec.Shell {
		program, args = shellCommand(spec.Program)
	}

	// exec.Command, not CommandContext: termination is driven by the supervisor
	cmd := exec.Command(program, args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		go r.finish(x, &Result{ExitCode: -1, Fault: faults.Wrap(faults.CodeExecutionFailed, err, "failed to create stdout pipe")})
		return x, nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		go r.finish(x, &Result{ExitCode: -1, Fault: faults.Wrap(faults.CodeExecutionFailed, err, "failed to create stderr pipe")})
		return x, nil
	}

	logger := r.logger.With("correlation", job.CorrelationID)
	if err := cmd.Start(); err != nil {
		logger.Errorf("Failed to start %s: %v", program, err)
		f := faults.Classify(err)
		if f.Code == faults.CodeInternal {
			f = faults.Wrap(faults.CodeExecutionFailed, err, "failed to start process")
		}
		go r.finish(x, &Result{ExitCode: -1, Fault: f})
		return x, nil
	}

	timeout := r.effectiveTimeout(spec.Timeout)
	logger.Infof("Started %s (pid %d, timeout %s)", program, cmd.Process.Pid, timeout)

	go r.superviseProcess(x, cmd, stdout, stderr, timeout, r.effectiveMaxOutput(spec.MaxOutputBytes))
	return x, nil
}

// pump reads a stream into chunks until EOF
func (r *Runner) pump(stream string, src io.Reader, out chan<- chunk, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, r.chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out <- chunk{stream: stream, data: data}
		}
		if err != nil {
			return
		}
	}
}

// superviseProcess owns every event of a subprocess execution. Exactly one
// terminal event is published, and no progress follows a termination decision.
func (r *Runner) superviseProcess(x *Execution, cmd *exec.Cmd, stdout, stderr io.ReadCloser, timeout time.Duration, maxOutput int64) {
	logger := r.logger.With("correlation", x.job.CorrelationID)

	chunks := make(chan chunk, 16)
	var readers sync.WaitGroup
	readers.Add(2)
	go r.pump(streamStdout, stdout, chunks, &readers)
	go r.pump(streamStderr, stderr, chunks, &readers)
	go func() {
		readers.Wait()
		close(chunks)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		outBuf, errBuf strings.Builder
		totals         = map[string]int64{}
		fault          *faults.Fault
		chunksCh       = (<-chan chunk)(chunks)
		waitCh         chan error
		waitErr        error
		exited         bool
		cancelCh       = x.ctx.Done()
		abortCh        = (<-chan struct{})(x.abort)
		graceCh        <-chan time.Time
		closeCh        <-chan time.Time
	)

	// forceStop kills the group and, if pipes are still held open by an
	// escaped descendant, closes our ends after the grace period
	forceStop := func() {
		if err := killGroup(cmd); err != nil {
			logger.Warnf("Failed to kill process group: %v", err)
		}
		graceCh = nil
		if closeCh == nil {
			closeCh = time.After(r.grace)
		}
	}

	for !exited {
		select {
		case c, ok := <-chunksCh:
			if !ok {
				chunksCh = nil
				ch := make(chan error, 1)
				waitCh = ch
				go func() { ch <- cmd.Wait() }()
				continue
			}
			if fault != nil {
				continue
			}
			totals[c.stream] += int64(len(c.data))
			if totals[c.stream] > maxOutput {
				fault = faults.Newf(faults.CodeExecutionFailed, "output limit exceeded: %s produced more than %d bytes", c.stream, maxOutput).
					WithDetail("stream", c.stream).
					WithDetail("limit", maxOutput)
				logger.Warnf("Output limit exceeded on %s, killing process", c.stream)
				forceStop()
				continue
			}
			if c.stream == streamStdout {
				outBuf.Write(c.data)
			} else {
				errBuf.Write(c.data)
			}
			r.progress(x, c.stream, string(c.data))

		case waitErr = <-waitCh:
			exited = true

		case <-timer.C:
			if fault == nil {
				fault = faults.Newf(faults.CodeExecutionTimeout, "execution exceeded timeout of %s", timeout).
					WithDetail("timeoutMs", timeout.Milliseconds())
				logger.Warnf("Execution timed out after %s, killing process", timeout)
				forceStop()
			}

		case <-cancelCh:
			cancelCh = nil
			if fault == nil {
				fault = faults.New(faults.CodeExecutionCancelled, "execution cancelled")
				logger.Infof("Cancellation requested, sending termination signal (grace %s)", r.grace)
				if err := terminateGroup(cmd); err != nil {
					logger.Warnf("Failed to signal process group: %v", err)
				}
				graceCh = time.After(r.grace)
			}

		case <-abortCh:
			abortCh = nil
			if fault == nil {
				fault = faults.New(faults.CodeExecutionCancelled, "execution aborted by shutdown")
			}
			forceStop()

		case <-graceCh:
			logger.Warnf("Process ignored termination signal for %s, killing", r.grace)
			forceStop()

		case <-closeCh:
			closeCh = nil
			_ = stdout.Close()
			_ = stderr.Close()
		}
	}

	result := &Result{
		Output: outBuf.String(),
		Stderr: errBuf.String(),
	}

	switch {
	case fault != nil:
		result.ExitCode = exitCode(cmd, -1)
		result.Fault = fault
	case waitErr == nil:
		result.ExitCode = 0
		result.Success = true
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0 {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Fault = faults.Wrap(faults.CodeExecutionFailed, waitErr, fmt.Sprintf("process terminated abnormally: %v", waitErr))
		}
	}

	r.finish(x, result)
}

func exitCode(cmd *exec.Cmd, fallback int) int {
	if cmd.ProcessState == nil {
		return fallback
	}
	return cmd.ProcessState.ExitCode()
}
