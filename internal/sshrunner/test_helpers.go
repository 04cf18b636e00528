package sshrunner

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zlib"
)

// FakeReply is how a FakeTransport answers one command.
type FakeReply struct {
	Status int
	Stdout string
	Stderr string
	// Delay postpones the result line.
	Delay time.Duration
	// Hang never answers; the batch never completes.
	Hang bool
	// Raw replaces the result line verbatim.
	Raw string
}

// FakeTransport serves the dispatcher protocol in-process for tests. It
// decodes the real bootstrap line, so a broken bootstrap fails the test the
// same way a remote python would.
type FakeTransport struct {
	// Handler answers each command. Nil echoes argv (or the shell string)
	// back on stdout with status 0.
	Handler func(cmd Command, shell bool) FakeReply
	// OpenErr, when set, makes every Open fail.
	OpenErr error
	// Silent sessions never print the ready line.
	Silent bool

	mu         sync.Mutex
	opens      int
	bootstraps int
	sessions   []*fakeSession
}

func (f *FakeTransport) String() string { return "fake" }

// Opens returns how many sessions were opened.
func (f *FakeTransport) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Bootstraps returns how many dispatchers were started.
func (f *FakeTransport) Bootstraps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bootstraps
}

// DropAll breaks every open session, as a network failure would.
func (f *FakeTransport) DropAll() {
	f.mu.Lock()
	sessions := f.sessions
	f.sessions = nil
	f.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Open starts a fake shell.
func (f *FakeTransport) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.opens++
	openErr := f.OpenErr
	f.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	s := &fakeSession{in: inW, out: outR, closed: make(chan struct{})}
	s.closeFn = func() {
		inW.Close()
		inR.Close()
		outW.Close()
		outR.Close()
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()

	go f.serve(s, inR, outW)
	return s, nil
}

type fakeSession struct {
	in      io.Writer
	out     io.Reader
	closed  chan struct{}
	once    sync.Once
	closeFn func()
}

func (s *fakeSession) Stdin() io.Writer { return s.in }
func (s *fakeSession) Stdout() io.Reader { return s.out }

func (s *fakeSession) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.closeFn()
	})
	return nil
}

func (f *FakeTransport) serve(s *fakeSession, in io.Reader, out io.Writer) {
	var outMu sync.Mutex
	emit := func(line string) {
		outMu.Lock()
		defer outMu.Unlock()
		io.WriteString(out, line+"\n")
	}

	br := bufio.NewReader(in)
	running := false
	shell := false
	var batch []Command
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, "\n")

		if !running {
			mode, ok := parseFakeBootstrap(line)
			if !ok {
				continue
			}
			f.mu.Lock()
			f.bootstraps++
			f.mu.Unlock()
			running, shell = true, mode
			if !f.Silent {
				emit(lineReady)
			}
			continue
		}

		switch line {
		case requestExit:
			running = false
		case requestDone:
			f.runBatch(s, batch, shell, emit)
			batch = nil
		default:
			var cmd Command
			if shell {
				json.Unmarshal([]byte(line), &cmd.Shell)
			} else {
				json.Unmarshal([]byte(line), &cmd.Argv)
			}
			batch = append(batch, cmd)
		}
	}
}

func (f *FakeTransport) runBatch(s *fakeSession, batch []Command, shell bool, emit func(string)) {
	var wg sync.WaitGroup
	for i, cmd := range batch {
		reply := f.reply(cmd, shell)
		if reply.Hang {
			// Dispatcher is stuck; nothing more is printed.
			<-s.closed
			return
		}
		wg.Add(1)
		go func(i int, reply FakeReply) {
			defer wg.Done()
			if reply.Delay > 0 {
				select {
				case <-time.After(reply.Delay):
				case <-s.closed:
					return
				}
			}
			if reply.Raw != "" {
				emit(reply.Raw)
				return
			}
			emit(fmt.Sprintf(`[%d, [%d, %q, %q]]`, i, reply.Status,
				base64.StdEncoding.EncodeToString([]byte(reply.Stdout)),
				base64.StdEncoding.EncodeToString([]byte(reply.Stderr))))
		}(i, reply)
	}
	wg.Wait()
	emit(lineDone)
}

func (f *FakeTransport) reply(cmd Command, shell bool) FakeReply {
	if f.Handler != nil {
		return f.Handler(cmd, shell)
	}
	if shell {
		return FakeReply{Stdout: cmd.Shell + "\n"}
	}
	return FakeReply{Stdout: strings.Join(cmd.Argv[1:], " ") + "\n"}
}

// parseFakeBootstrap decodes a bootstrap line and reports which dispatcher
// variant it carries.
func parseFakeBootstrap(line string) (shell bool, ok bool) {
	const marker = "b64decode('"
	i := strings.Index(line, marker)
	if i < 0 {
		return false, false
	}
	rest := line[i+len(marker):]
	j := strings.IndexByte(rest, '\'')
	if j < 0 {
		return false, false
	}
	raw, err := base64.StdEncoding.DecodeString(rest[:j])
	if err != nil {
		return false, false
	}
	zr, err := zlib.NewReader(strings.NewReader(string(raw)))
	if err != nil {
		return false, false
	}
	defer zr.Close()
	src, err := io.ReadAll(zr)
	if err != nil {
		return false, false
	}
	return strings.Contains(string(src), "SHELL = True"), true
}
