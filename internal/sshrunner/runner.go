// Package sshrunner runs batches of commands on one host over a single
// long-lived shell session.
//
// The session is a local /bin/sh when the host is this machine and an SSH
// session otherwise. On first use a small dispatcher program is typed into
// the shell. It starts every command of a batch concurrently and streams back
// one JSON result line per finished command, keyed by the command's position
// in the batch. A Runner is not safe for concurrent use; hostpool gives each
// Runner to exactly one goroutine.
package sshrunner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gluk-w/sensorctl/internal/logging"
)

var (
	// ErrTimeout is returned when the dispatcher does not answer in time.
	ErrTimeout = errors.New("timeout waiting for remote dispatcher")
	// ErrSessionClosed is returned when the session's output ends or breaks.
	ErrSessionClosed = errors.New("session closed")
	// ErrProtocol is returned for malformed dispatcher output.
	ErrProtocol = errors.New("dispatcher protocol error")
	// ErrBatchPending is returned when a batch is sent before the previous
	// one was collected.
	ErrBatchPending = errors.New("batch already outstanding")
)

// Command is one entry of a batch: an argv for argv mode, or a shell string
// for shell mode. In shell mode an empty Shell falls back to the quoted Argv.
type Command struct {
	Argv  []string
	Shell string
}

// Result is the outcome of one command.
type Result struct {
	Status int
	Stdout string
	Stderr string
	Err    error
}

// OK reports whether the command ran and exited with status 0.
func (r Result) OK() bool {
	return r.Err == nil && r.Status == 0
}

// Session is an open shell on a host: commands go to Stdin, dispatcher
// output comes from Stdout.
type Session interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Close() error
}

// Transport opens shell sessions to one host.
type Transport interface {
	Open(ctx context.Context) (Session, error)
	String() string
}

type dispatcherMode int

const (
	modeNone dispatcherMode = iota
	modeArgv
	modeShell
)

// conn is the live state of one open session.
type conn struct {
	sess  Session
	lines chan string
	quit  chan struct{}
	mode  dispatcherMode

	// err is set by the reader before lines is closed.
	err error
}

// Runner is the connection multiplexer for a single host.
type Runner struct {
	host      string
	transport Transport
	python    string
	log       zerolog.Logger

	conn    *conn
	pending int
}

// NewRunner creates a Runner. No connection is made until first use.
func NewRunner(host string, transport Transport, python string) *Runner {
	if python == "" {
		python = "python3"
	}
	return &Runner{
		host:      host,
		transport: transport,
		python:    python,
		log:       logging.WithHost("sshrunner", host),
	}
}

// Host returns the address this runner talks to.
func (r *Runner) Host() string { return r.host }

// Connected reports whether a session is currently open.
func (r *Runner) Connected() bool { return r.conn != nil }

// Connect opens the session if it is not already open.
func (r *Runner) Connect(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}
	sess, err := r.transport.Open(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", r.transport, err)
	}
	c := &conn{
		sess:  sess,
		lines: make(chan string, 64),
		quit:  make(chan struct{}),
	}
	go readLines(sess.Stdout(), c)
	r.conn = c
	r.pending = 0
	r.log.Debug().Str("transport", r.transport.String()).Msg("session opened")
	return nil
}

// readLines feeds c.lines until the output ends or the conn is closed.
func readLines(out io.Reader, c *conn) {
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		select {
		case c.lines <- sc.Text():
		case <-c.quit:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.err = err
	close(c.lines)
}

// Close tears down the session. The next call reconnects.
func (r *Runner) Close() error {
	c := r.conn
	if c == nil {
		return nil
	}
	r.conn = nil
	r.pending = 0
	close(c.quit)
	err := c.sess.Close()
	r.log.Debug().Msg("session closed")
	return err
}

// SendCommands writes the batch to the dispatcher, starting the right
// dispatcher variant first if needed. It does not wait for results.
func (r *Runner) SendCommands(cmds []Command, shell bool, timeout time.Duration) error {
	if r.pending > 0 {
		return ErrBatchPending
	}
	payload, err := encodeBatch(cmds, shell)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return nil
	}

	deadline := time.Now().Add(timeout)
	if r.conn == nil {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		err := r.Connect(ctx)
		cancel()
		if err != nil {
			return err
		}
	}
	if err := r.ensureDispatcher(shell, deadline); err != nil {
		r.Close()
		return err
	}
	if err := r.write(payload, time.Until(deadline)); err != nil {
		r.Close()
		return err
	}
	r.pending = len(cmds)
	return nil
}

// ensureDispatcher makes sure the dispatcher variant matching shell is
// running, replacing the other variant if it is.
func (r *Runner) ensureDispatcher(shell bool, deadline time.Time) error {
	want := modeArgv
	if shell {
		want = modeShell
	}
	c := r.conn
	if c.mode == want {
		return nil
	}

	line, err := cachedBootstrap(r.python, shell)
	if err != nil {
		return err
	}
	var msg []byte
	if c.mode != modeNone {
		msg = append(msg, requestExit+"\n"...)
	}
	msg = append(msg, line+"\n"...)
	if err := r.write(msg, time.Until(deadline)); err != nil {
		return err
	}

	// Login scripts may print before the dispatcher starts; skip until ready.
	for {
		l, err := r.readLine(time.Until(deadline))
		if err != nil {
			return fmt.Errorf("waiting for dispatcher: %w", err)
		}
		if l == lineReady {
			break
		}
		r.log.Debug().Str("line", logging.Sanitize(l)).Msg("ignoring output before dispatcher start")
	}
	c.mode = want
	r.log.Debug().Bool("shell", shell).Int("version", DispatcherVersion).Msg("dispatcher started")
	return nil
}

// CollectResults reads results for the outstanding batch. The returned slice
// always has one entry per command sent; entries with no result carry the
// error that ended collection. Any error closes the session.
func (r *Runner) CollectResults(timeout time.Duration) ([]Result, error) {
	n := r.pending
	results := make([]Result, n)
	if n == 0 || r.conn == nil {
		return results, nil
	}
	filled := make([]bool, n)
	for i := range results {
		results[i] = Result{Status: -1, Err: ErrTimeout}
	}

	fail := func(err error) ([]Result, error) {
		for i := range results {
			if !filled[i] {
				results[i].Err = err
			}
		}
		r.Close()
		return results, err
	}

	deadline := time.Now().Add(timeout)
	for {
		line, err := r.readLine(time.Until(deadline))
		if err != nil {
			return fail(err)
		}
		if line == lineDone {
			break
		}
		idx, res, err := decodeResult(line)
		if err != nil {
			return fail(err)
		}
		if idx < 0 || idx >= n {
			return fail(fmt.Errorf("%w: result index %d out of range", ErrProtocol, idx))
		}
		results[idx] = res
		filled[idx] = true
	}

	r.pending = 0
	for i, ok := range filled {
		if !ok {
			return fail(fmt.Errorf("%w: no result for command %d", ErrProtocol, i))
		}
	}
	return results, nil
}

// Run sends a batch and waits for its results.
func (r *Runner) Run(cmds []Command, shell bool, timeout time.Duration) ([]Result, error) {
	start := time.Now()
	if err := r.SendCommands(cmds, shell, timeout); err != nil {
		results := make([]Result, len(cmds))
		for i := range results {
			results[i] = Result{Status: -1, Err: err}
		}
		return results, err
	}
	return r.CollectResults(timeout - time.Since(start))
}

// Ping runs `echo ping` through the dispatcher.
func (r *Runner) Ping(timeout time.Duration) error {
	results, err := r.Run([]Command{{Argv: []string{"echo", "ping"}}}, false, timeout)
	if err != nil {
		return fmt.Errorf("ping %s: %w", r.host, err)
	}
	if res := results[0]; !res.OK() || res.Stdout != "ping\n" {
		r.Close()
		return fmt.Errorf("ping %s: %w: unexpected reply %q (status %d)", r.host, ErrProtocol, res.Stdout, res.Status)
	}
	return nil
}

func (r *Runner) readLine(timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return "", ErrTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l, ok := <-r.conn.lines:
		if !ok {
			err := fmt.Errorf("%w: %v", ErrSessionClosed, r.conn.err)
			if t, ok := r.conn.sess.(interface{ StderrTail() string }); ok {
				if tail := strings.TrimSpace(t.StderrTail()); tail != "" {
					err = fmt.Errorf("%w (stderr: %s)", err, logging.Sanitize(tail))
				}
			}
			return "", err
		}
		return l, nil
	case <-timer.C:
		return "", ErrTimeout
	}
}

// write sends p to the session, giving up after timeout. A write that
// times out is abandoned; the caller closes the session, which unblocks it.
func (r *Runner) write(p []byte, timeout time.Duration) error {
	if timeout <= 0 {
		return ErrTimeout
	}
	done := make(chan error, 1)
	w := r.conn.sess.Stdin()
	go func() {
		_, err := w.Write(p)
		done <- err
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: write: %v", ErrSessionClosed, err)
		}
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

// tailBuffer keeps the last bytes written to it; used to hold a session's
// stderr for error messages.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
