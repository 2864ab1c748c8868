package tool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// ProcessState is the lifecycle of one tool process.
type ProcessState string

const (
	StatePrepared  ProcessState = "prepared"
	StateRunning   ProcessState = "running"
	StateSucceeded ProcessState = "succeeded"
	StateFailed    ProcessState = "failed"
	StateCancelled ProcessState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ProcessState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Stream identifies the output a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Environment variables passed to every tool process.
const (
	EnvOutDir     = "BIOMESH_OUT_DIR"
	EnvResultFile = "BIOMESH_RESULT_FILE"
)

// ProcessOptions configures a Process.
type ProcessOptions struct {
	// Dir is the working directory and the value of BIOMESH_OUT_DIR.
	Dir string
	// ResultFile is where the tool may write its JSON result payload.
	ResultFile string
	Env        []string
	// Timeout bounds the run; zero means no limit.
	Timeout time.Duration
	// GracePeriod is the wait between SIGTERM and SIGKILL on cancellation.
	GracePeriod time.Duration
	// MaxLineBytes bounds the line buffer; longer lines arrive in chunks.
	MaxLineBytes int
	// StderrTail is how many trailing stderr lines are kept for errors.
	StderrTail int
	// OnLine receives every output line. It is called from reader goroutines
	// and must be safe for concurrent use.
	OnLine func(stream Stream, line string)
}

// ProcessResult summarizes a finished process.
type ProcessResult struct {
	State      ProcessState
	ExitCode   int
	Payload    json.RawMessage
	StderrTail []string
	Duration   time.Duration
}

// Process runs one external tool invocation.
type Process struct {
	argv []string
	opts ProcessOptions

	mu    sync.Mutex
	state ProcessState
}

// NewProcess prepares argv for execution.
func NewProcess(argv []string, optFns ...func(o *ProcessOptions)) *Process {
	opts := ProcessOptions{
		GracePeriod:  5 * time.Second,
		MaxLineBytes: 64 * 1024,
		StderrTail:   20,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Process{argv: argv, opts: opts, state: StatePrepared}
}

// State returns the current lifecycle state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) transition(next ProcessState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return
	}
	p.state = next
}

// Run starts the process and blocks until it exits. Cancelling ctx sends
// SIGTERM to the process group and SIGKILL after the grace period; the result
// is then StateCancelled and the error wraps ctx.Err().
func (p *Process) Run(ctx context.Context) (*ProcessResult, error) {
	if len(p.argv) == 0 {
		p.transition(StateFailed)
		return &ProcessResult{State: StateFailed, ExitCode: -1}, errors.New("empty command")
	}
	if p.State() != StatePrepared {
		return nil, fmt.Errorf("process already %s", p.State())
	}

	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	cmd.Dir = p.opts.Dir
	cmd.Env = append(os.Environ(), p.opts.Env...)
	if p.opts.Dir != "" {
		cmd.Env = append(cmd.Env, EnvOutDir+"="+p.opts.Dir)
	}
	if p.opts.ResultFile != "" {
		cmd.Env = append(cmd.Env, EnvResultFile+"="+p.opts.ResultFile)
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.transition(StateFailed)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.transition(StateFailed)
		return nil, err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		p.transition(StateFailed)
		return &ProcessResult{State: StateFailed, ExitCode: -1}, fmt.Errorf("start %s: %w", filepath.Base(p.argv[0]), err)
	}
	p.transition(StateRunning)

	var (
		wg       sync.WaitGroup
		lastJSON []byte
		tail     = newLineRing(p.opts.StderrTail)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.readLines(stdout, Stdout, func(line []byte) {
			if t := bytes.TrimSpace(line); len(t) > 0 && t[0] == '{' && json.Valid(t) {
				lastJSON = append(lastJSON[:0], t...)
			}
		})
	}()
	go func() {
		defer wg.Done()
		p.readLines(stderr, Stderr, func(line []byte) { tail.add(string(line)) })
	}()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if p.opts.Timeout > 0 {
		timer := time.NewTimer(p.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		waitErr  error
		runErr   error
		finished = StateSucceeded
	)
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		waitErr = p.stop(cmd, done)
		finished = StateCancelled
		runErr = fmt.Errorf("tool cancelled: %w", ctx.Err())
	case <-timeout:
		waitErr = p.stop(cmd, done)
		finished = StateFailed
		runErr = fmt.Errorf("timed out after %s", p.opts.Timeout)
	}

	res := &ProcessResult{
		ExitCode:   exitCode(cmd, waitErr),
		StderrTail: tail.lines(),
		Duration:   time.Since(start),
	}
	if finished == StateSucceeded && waitErr != nil {
		finished = StateFailed
		runErr = fmt.Errorf("exit status %d", res.ExitCode)
	}
	if finished == StateSucceeded {
		res.Payload = p.payload(lastJSON, tail)
	}
	p.transition(finished)
	res.State = p.State()
	return res, runErr
}

func (p *Process) stop(cmd *exec.Cmd, done <-chan error) error {
	_ = terminateGroup(cmd)
	select {
	case err := <-done:
		return err
	case <-time.After(p.opts.GracePeriod):
	}
	_ = killGroup(cmd)
	return <-done
}

func (p *Process) payload(lastJSON []byte, tail *lineRing) json.RawMessage {
	if p.opts.ResultFile != "" {
		if data, err := os.ReadFile(p.opts.ResultFile); err == nil && json.Valid(bytes.TrimSpace(data)) {
			return json.RawMessage(bytes.TrimSpace(data))
		}
	}
	if len(lastJSON) > 0 {
		return json.RawMessage(lastJSON)
	}
	data, _ := json.Marshal(map[string]any{"stderr_tail": tail.lines()})
	return data
}

// readLines delivers r line by line without ever holding more than
// MaxLineBytes of one line in memory.
func (p *Process) readLines(r io.Reader, stream Stream, keep func([]byte)) {
	br := bufio.NewReaderSize(r, p.opts.MaxLineBytes)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			line := bytes.TrimRight(chunk, "\r\n")
			keep(line)
			if p.opts.OnLine != nil {
				p.opts.OnLine(stream, string(line))
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return
		}
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

type lineRing struct {
	mu   sync.Mutex
	buf  []string
	next int
	full bool
}

func newLineRing(n int) *lineRing {
	if n <= 0 {
		n = 1
	}
	return &lineRing{buf: make([]string, n)}
}

func (r *lineRing) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *lineRing) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string{}, r.buf[:r.next]...)
	}
	return append(append([]string{}, r.buf[r.next:]...), r.buf[:r.next]...)
}
