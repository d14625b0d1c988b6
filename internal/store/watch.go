package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	appLog "taskcal/internal/log"
)

// DefaultWatchDebounce coalesces bursts of events (temp file write,
// rename, chmod) into one notification.
const DefaultWatchDebounce = 250 * time.Millisecond

// ErrWatchUnsupported is returned by Watch for stores not on the OS
// filesystem.
var ErrWatchUnsupported = errors.New("store: watch requires an on-disk store")

// Watch calls onChange (debounced) whenever the store file is created,
// written, renamed or removed, until ctx is cancelled. It watches the
// parent directory so atomic replacements are seen.
func (s *FileStore) Watch(ctx context.Context, debounce time.Duration, onChange func()) error {
	if _, ok := s.fs.(*afero.OsFs); !ok {
		return ErrWatchUnsupported
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	dir := filepath.Dir(s.path)
	file := filepath.Base(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store watch: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("store watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("store watch %s: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	appLog.Debug("store watch started", "path", s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file || ev.Op == fsnotify.Chmod {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, onChange)
			timerMu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			appLog.Warn("store watch error", "path", s.path, "err", err.Error())
		}
	}
}
