package cluster

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gluk-w/sensorctl/internal/logging"
)

// watchSettle is how long a layout file must stay quiet before it is reread.
const watchSettle = 200 * time.Millisecond

// Watch reloads the layout file at path whenever it changes and passes
// each valid result to onChange. Invalid layouts are logged and skipped.
// The directory is watched so editors that replace the file are handled.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, resolve Resolver, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch node config: %w", err)
	}
	defer w.Close()

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch node config: %w", err)
	}

	log := logging.WithComponent("cluster")
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(watchSettle)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("node config watch error")
		case <-timer.C:
			cfg, err := LoadFile(path, resolve)
			if err != nil {
				log.Error().Err(err).Str("path", path).Msg("node config changed but is invalid, keeping the current layout")
				continue
			}
			log.Info().Str("path", path).Int("nodes", len(cfg.nodes)).Msg("node config reloaded")
			onChange(cfg)
		}
	}
}
