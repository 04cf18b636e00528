package sshrunner

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sensorctl/internal/logging"
)

const (
	// keepaliveInterval is how often we send keepalive requests.
	keepaliveInterval = 30 * time.Second

	// connectTimeout is the default timeout for establishing SSH connections.
	connectTimeout = 30 * time.Second
)

// SSHTransport runs the dispatcher under a shell on a remote host.
type SSHTransport struct {
	Addr            string
	Port            int
	User            string
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	ConnectTimeout  time.Duration
	Keepalive       time.Duration
	Shell           string
}

func (t *SSHTransport) String() string {
	return "ssh://" + t.User + "@" + t.address()
}

func (t *SSHTransport) address() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Addr, strconv.Itoa(port))
}

// Open dials the host, authenticates with the signer and starts the shell.
func (t *SSHTransport) Open(ctx context.Context) (Session, error) {
	timeout := t.ConnectTimeout
	if timeout <= 0 {
		timeout = connectTimeout
	}
	if t.Signer == nil {
		return nil, fmt.Errorf("no private key configured for %s", t.Addr)
	}
	hostKeyCallback := t.HostKeyCallback
	if hostKeyCallback == nil {
		return nil, fmt.Errorf("no host key callback configured for %s", t.Addr)
	}
	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(t.Signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}
	addr := t.address()

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open session on %s: %w", addr, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := newTailBuffer(4096)
	sess.Stderr = stderr

	shell := t.Shell
	if shell == "" {
		shell = defaultShell
	}
	if err := sess.Start(shell); err != nil {
		client.Close()
		return nil, fmt.Errorf("start %s on %s: %w", shell, addr, err)
	}

	keepCtx, keepCancel := context.WithCancel(context.Background())
	s := &sshSession{client: client, sess: sess, stdin: stdin, stdout: stdout, stderr: stderr, cancel: keepCancel}
	interval := t.Keepalive
	if interval <= 0 {
		interval = keepaliveInterval
	}
	go s.keepalive(keepCtx, t.Addr, interval)
	return s, nil
}

type sshSession struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *tailBuffer
	cancel context.CancelFunc
	once   sync.Once
}

func (s *sshSession) Stdin() io.Writer { return s.stdin }
func (s *sshSession) Stdout() io.Reader { return s.stdout }
func (s *sshSession) StderrTail() string { return s.stderr.String() }

func (s *sshSession) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.stdin.Close()
		s.sess.Close()
		err = s.client.Close()
	})
	return err
}

// keepalive sends periodic keepalive requests. A dead connection is closed,
// which ends the session's output and fails any batch waiting on it.
func (s *sshSession) keepalive(ctx context.Context, host string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log := logging.WithHost("sshrunner", host)
				log.Warn().Err(err).Msg("keepalive failed, closing connection")
				s.client.Close()
				return
			}
		}
	}
}

// Options configures the transports built by NewTransport.
type Options struct {
	User            string
	Port            int
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	ConnectTimeout  time.Duration
	Keepalive       time.Duration
	Shell           string
}

// NewTransport picks the local shell for this machine's addresses and SSH
// for everything else.
func NewTransport(addr string, opts Options) Transport {
	if IsLocalAddr(addr) {
		return &LocalTransport{Shell: opts.Shell}
	}
	return &SSHTransport{
		Addr:            addr,
		Port:            opts.Port,
		User:            opts.User,
		Signer:          opts.Signer,
		HostKeyCallback: opts.HostKeyCallback,
		ConnectTimeout:  opts.ConnectTimeout,
		Keepalive:       opts.Keepalive,
		Shell:           opts.Shell,
	}
}
