package rulefile

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/linnemanlabs/go-core/log"
)

// Watch reloads path into d whenever the file is written or replaced, and
// calls onReload (if set) with the number of rules loaded. It runs until ctx
// is cancelled. A file that fails to parse is logged and the previous rules
// stay active.
func (d *Directory) Watch(ctx context.Context, path string, logger log.Logger, onReload func(n int)) error {
	if logger == nil {
		logger = log.Nop()
	}
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// watch the directory so atomic saves that replace the file are seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	logger.Info(ctx, "watching rules file", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			rs, err := Load(path)
			if err != nil {
				logger.Error(ctx, err, "rules reload failed, keeping previous rules", "path", path)
				continue
			}
			d.Replace(rs)
			logger.Info(ctx, "rules reloaded", "path", path, "count", len(rs))
			if onReload != nil {
				onReload(len(rs))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "rules watcher error", "error", err.Error())
		}
	}
}
