package sshrunner

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/klauspost/compress/zlib"
)

// DispatcherVersion is bumped whenever dispatcher.py.tmpl changes its wire
// behaviour.
const DispatcherVersion = 1

//go:embed dispatcher.py.tmpl
var dispatcherSource string

var dispatcherTmpl = template.Must(template.New("dispatcher").Parse(dispatcherSource))

type dispatcherParams struct {
	Version int
	Shell   bool
}

// RenderDispatcher returns the dispatcher program for the argv or shell variant.
func RenderDispatcher(shell bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := dispatcherTmpl.Execute(&buf, dispatcherParams{Version: DispatcherVersion, Shell: shell}); err != nil {
		return nil, fmt.Errorf("render dispatcher: %w", err)
	}
	return buf.Bytes(), nil
}

// Bootstrap returns the single shell line that starts the dispatcher with the
// given interpreter. The program travels zlib-compressed and base64-encoded
// so it survives any remote shell without a pre-installed file.
func Bootstrap(python string, shell bool) (string, error) {
	src, err := RenderDispatcher(shell)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return "", fmt.Errorf("compress dispatcher: %w", err)
	}
	if _, err := zw.Write(src); err != nil {
		return "", fmt.Errorf("compress dispatcher: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress dispatcher: %w", err)
	}

	payload := base64.StdEncoding.EncodeToString(buf.Bytes())
	return fmt.Sprintf(`%s -u -c "import zlib,base64;exec(zlib.decompress(base64.b64decode('%s')))"`,
		shellQuote(python), payload), nil
}

type bootstrapKey struct {
	python string
	shell  bool
}

var bootstraps sync.Map // bootstrapKey -> string

// cachedBootstrap memoizes Bootstrap; the payload only depends on its inputs.
func cachedBootstrap(python string, shell bool) (string, error) {
	key := bootstrapKey{python, shell}
	if v, ok := bootstraps.Load(key); ok {
		return v.(string), nil
	}
	line, err := Bootstrap(python, shell)
	if err != nil {
		return "", err
	}
	bootstraps.Store(key, line)
	return line, nil
}

// shellQuote wraps s in single quotes for safe use in a shell command.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,+@%", r)
}

// ShellJoin quotes argv into one shell command line.
func ShellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = shellQuote(a)
	}
	return strings.Join(parts, " ")
}
