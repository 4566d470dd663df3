// Package transport provides a line-framed JSON channel to a child process.
// The child's stdin and stdout carry one JSON document per line; its stderr
// is treated as diagnostics and forwarded to the logger.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	// ErrSpawn is returned when the child process cannot be started.
	ErrSpawn = errors.New("process spawn failed")

	// ErrClosed is returned when writing to a transport whose child has exited
	// or which has been closed.
	ErrClosed = errors.New("transport closed")
)

// Defaults
const (
	DefaultMaxLineBytes = 4 * 1024 * 1024 // k6 summaries can be large
	DefaultStopGrace    = 2 * time.Second
)

// Command describes the child process to spawn.
type Command struct {
	Path string
	Args []string
	Env  []string // appended to the current environment
	Dir  string
}

// String returns the command line for logging.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// SpawnError describes a failure to start the child process.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

// Option configures a Process.
type Option func(*Process)

// WithLogger sets the logger used for stderr forwarding and dropped frames.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Process) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithStopGrace sets how long Close waits after interrupting before it kills.
func WithStopGrace(d time.Duration) Option {
	return func(p *Process) {
		if d > 0 {
			p.stopGrace = d
		}
	}
}

// WithMaxLineBytes bounds the size of a single inbound line.
func WithMaxLineBytes(n int) Option {
	return func(p *Process) {
		if n > 0 {
			p.maxLine = n
		}
	}
}

// Process is a running child with a line-framed JSON channel on its stdio.
// It is the exclusive owner of the child's stdin and stdout.
type Process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	writer    *bufio.Writer
	writeMu   sync.Mutex
	lines     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
	exitCode  int
	exitErr   error
	stopGrace time.Duration
	maxLine   int
	logger    *slog.Logger
}

// Spawn starts the child process and begins reading its stdout.
// The returned Process must be closed by the caller on every path.
func Spawn(ctx context.Context, c Command, opts ...Option) (*Process, error) {
	p := &Process{
		lines:     make(chan []byte, 16),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
		exitCode:  -1,
		stopGrace: DefaultStopGrace,
		maxLine:   DefaultMaxLineBytes,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("command", c.Path))

	if c.Path == "" {
		return nil, &SpawnError{Command: c.String(), Err: errors.New("empty command")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Command: c.String(), Err: err}
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stderr = &stderrLogger{logger: p.logger}
	cmd.WaitDelay = p.stopGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: c.String(), Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: c.String(), Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: c.String(), Err: err}
	}

	p.cmd = cmd
	p.stdin = stdin
	p.writer = bufio.NewWriter(stdin)
	p.logger.Debug("spawned child process", slog.Int("pid", cmd.Process.Pid))

	go p.readLoop(stdout)
	return p, nil
}

// readLoop moves complete lines from stdout into the lines channel, then
// reaps the child once stdout reaches EOF.
func (p *Process) readLoop(stdout io.Reader) {
	defer close(p.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), p.maxLine)

	for scanner.Scan() {
		line := bytes.Clone(scanner.Bytes())
		select {
		case p.lines <- line:
		case <-p.closed:
			// Nobody will read any more; keep draining so the child is not
			// blocked on a full pipe while it shuts down.
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("stdout read failed", slog.String("error", err.Error()))
	}
	close(p.lines)

	err := p.cmd.Wait()
	p.exitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.logger.Debug("child process exited", slog.Int("exitCode", p.exitCode))
}

// WriteLine encodes v as a single JSON line and flushes it to the child.
func (p *Process) WriteLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	data = append(data, '\n')

	select {
	case <-p.closed:
		return ErrClosed
	case <-p.done:
		return fmt.Errorf("child exited: %w", ErrClosed)
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.writer.Write(data); err != nil {
		return fmt.Errorf("write: %w: %w", ErrClosed, err)
	}
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w: %w", ErrClosed, err)
	}
	return nil
}

// ReadLine returns the next JSON line from the child.
//
// Lines that are not syntactically JSON are diagnostic noise on this channel
// (banners, stray prints) and are dropped by isFrame before reaching the
// caller. ReadLine returns io.EOF when the child's stdout closes. When ctx is
// done the transport is closed and io.EOF is returned, so a pending read never
// outlives its deadline.
func (p *Process) ReadLine(ctx context.Context) ([]byte, error) {
	for {
		select {
		case line, ok := <-p.lines:
			if !ok {
				return nil, io.EOF
			}
			if !isFrame(line) {
				p.logger.Debug("dropping non-JSON line", slog.String("line", truncate(line, 200)))
				continue
			}
			return line, nil
		case <-p.closed:
			return nil, io.EOF
		case <-ctx.Done():
			p.logger.Debug("read cancelled, closing transport", slog.String("error", ctx.Err().Error()))
			_ = p.Close()
			return nil, io.EOF
		}
	}
}

// Close terminates the child and releases its handle. It is safe to call
// more than once and from any goroutine.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)

		// Closing stdin is the polite stop for stdio servers. It also fails a
		// WriteLine stuck on a full pipe, so it does not take writeMu.
		_ = p.stdin.Close()
		if p.waitExit(p.stopGrace / 2) {
			return
		}
		_ = p.cmd.Process.Signal(os.Interrupt)
		if p.waitExit(p.stopGrace) {
			return
		}
		p.logger.Warn("child did not stop in time, killing")
		_ = p.cmd.Process.Kill()
		p.waitExit(p.stopGrace)
	})
	return nil
}

// Done is closed once the child has exited and its stdout is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the child's exit status once it has exited.
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

func (p *Process) waitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// isFrame reports whether a line is a syntactically valid JSON document.
func isFrame(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	return len(trimmed) > 0 && json.Valid(trimmed)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// stderrLogger forwards the child's stderr to the logger, one entry per line.
type stderrLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (w *stderrLogger) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.logger.Debug("child stderr", slog.String("line", string(line)))
		}
		w.buf = w.buf[i+1:]
	}
	return len(b), nil
}
