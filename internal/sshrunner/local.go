package sshrunner

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const defaultShell = "/bin/sh"

// LocalTransport runs the dispatcher under a local shell.
type LocalTransport struct {
	Shell string
}

func (t *LocalTransport) String() string { return "local" }

// Open starts the shell.
func (t *LocalTransport) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shell := t.Shell
	if shell == "" {
		shell = defaultShell
	}

	// The session outlives ctx, so it is not bound to it.
	cmd := exec.Command(shell)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", shell, err)
	}
	return &localSession{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type localSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *tailBuffer
	once   sync.Once
}

func (s *localSession) Stdin() io.Writer { return s.stdin }
func (s *localSession) Stdout() io.Reader { return s.stdout }
func (s *localSession) StderrTail() string { return s.stderr.String() }

func (s *localSession) Close() error {
	var err error
	s.once.Do(func() {
		err = s.stdin.Close()
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		go s.cmd.Wait()
	})
	return err
}

// IsLocalAddr reports whether addr names this machine.
func IsLocalAddr(addr string) bool {
	switch strings.ToLower(addr) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range ifaddrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
			return true
		}
	}
	return false
}
