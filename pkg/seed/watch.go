package seed

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/platinummonkey/accessgrid/pkg/observability"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Watch calls reload after the file at path is written, created or renamed
// into place, until ctx is done. The parent directory is watched so that
// atomic replaces are seen. Reload errors are logged and watching goes on.
func Watch(ctx context.Context, path string, debounce time.Duration, logger logrus.FieldLogger, reload func(context.Context) error) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve seed path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	go func() {
		defer watcher.Close()
		defer observability.RecoverPanic(logger, "seed-watcher")

		timer := time.NewTimer(debounce)
		timer.Stop()
		defer timer.Stop()

		logger.WithField("path", abs).Info("watching seed catalog")
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				timer.Reset(debounce)
			case <-timer.C:
				logger.WithField("path", abs).Info("seed catalog changed, reloading")
				if err := reload(ctx); err != nil {
					logger.WithError(err).Error("failed to reload seed catalog")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("seed watcher error")
			}
		}
	}()
	return nil
}
