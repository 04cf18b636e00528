// Package notify delivers operator notifications such as crash reports.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gluk-w/sensorctl/internal/logging"
)

// Notifier sends one message to the operator.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logging.WithComponent("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, subject, body string) error {
	n.log.Warn().Str("subject", subject).Str("body", logging.Sanitize(body)).Msg("notification")
	return nil
}

// FileNotifier stores each notification as a file in Dir, named after the
// time it was sent.
type FileNotifier struct {
	Dir string
	now func() time.Time
}

func NewFileNotifier(dir string) *FileNotifier {
	return &FileNotifier{Dir: dir, now: time.Now}
}

func (n *FileNotifier) Notify(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(n.Dir, 0o755); err != nil {
		return fmt.Errorf("notify: create %s: %w", n.Dir, err)
	}
	ts := n.now().UTC()
	name := fmt.Sprintf("%s-%s.txt", ts.Format("20060102T150405Z"), uuid.NewString()[:8])
	msg := fmt.Sprintf("Subject: %s\nDate: %s\n\n%s", subject, ts.Format(time.RFC1123Z), body)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	path := filepath.Join(n.Dir, name)
	if err := os.WriteFile(path, []byte(msg), 0o644); err != nil {
		return fmt.Errorf("notify: write %s: %w", path, err)
	}
	return nil
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, subject, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
