package sshrunner

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Dispatcher control lines.
const (
	lineReady    = `"ready"`
	lineDone     = `"done"`
	requestDone  = "done"
	requestExit  = "exit"
	maxLineBytes = 64 << 20
)

// encodeBatch renders a batch as newline-delimited JSON request lines
// followed by the batch terminator.
func encodeBatch(cmds []Command, shell bool) ([]byte, error) {
	var buf bytes.Buffer
	for i, c := range cmds {
		var v any
		if shell {
			s := c.Shell
			if s == "" {
				s = ShellJoin(c.Argv)
			}
			if s == "" {
				return nil, fmt.Errorf("command %d: empty shell command", i)
			}
			v = s
		} else {
			if len(c.Argv) == 0 {
				return nil, fmt.Errorf("command %d: empty argv", i)
			}
			v = c.Argv
		}
		line, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode command %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteString(requestDone)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// decodeResult parses one `[index, [status, stdout_b64, stderr_b64]]` line.
func decodeResult(line string) (int, Result, error) {
	var rec []json.RawMessage
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return 0, Result{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(rec) != 2 {
		return 0, Result{}, fmt.Errorf("%w: result has %d fields", ErrProtocol, len(rec))
	}

	var idx int
	if err := json.Unmarshal(rec[0], &idx); err != nil {
		return 0, Result{}, fmt.Errorf("%w: bad index: %v", ErrProtocol, err)
	}

	var body []json.RawMessage
	if err := json.Unmarshal(rec[1], &body); err != nil || len(body) != 3 {
		return 0, Result{}, fmt.Errorf("%w: bad result body", ErrProtocol)
	}
	var (
		res            Result
		stdout, stderr string
	)
	if err := json.Unmarshal(body[0], &res.Status); err != nil {
		return 0, Result{}, fmt.Errorf("%w: bad status: %v", ErrProtocol, err)
	}
	if err := json.Unmarshal(body[1], &stdout); err != nil {
		return 0, Result{}, fmt.Errorf("%w: bad stdout: %v", ErrProtocol, err)
	}
	if err := json.Unmarshal(body[2], &stderr); err != nil {
		return 0, Result{}, fmt.Errorf("%w: bad stderr: %v", ErrProtocol, err)
	}

	var err error
	if res.Stdout, err = decodeOutput(stdout); err != nil {
		return 0, Result{}, err
	}
	if res.Stderr, err = decodeOutput(stderr); err != nil {
		return 0, Result{}, err
	}
	return idx, res, nil
}

// decodeOutput turns base64 process output into text, replacing invalid
// UTF-8 rather than failing on it.
func decodeOutput(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: bad output encoding: %v", ErrProtocol, err)
	}
	return strings.ToValidUTF8(string(raw), "�"), nil
}
