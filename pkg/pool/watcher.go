package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"
)

// Watcher polls the application's own source files for changes and drives
// a rolling restart of the pool when they change. It deliberately polls
// rather than using an inotify-style watch, per §4.6 of the spec: the
// watch set is contributed at runtime by workers (via the files control
// message) and can span files outside any single directory tree that a
// recursive kernel watch would need pre-registered.
type Watcher struct {
	actor  *Actor
	cfg    WatcherConfig
	logger *Logger

	// files is kept in most-recently-changed-first order: the next poll
	// checks files near the front first, since a file that changed
	// recently is disproportionately likely to change again soon (edit,
	// save, edit, save).
	files []string

	onChange func()
}

// NewWatcher creates a Watcher with an empty watch set.
func NewWatcher(actor *Actor, cfg WatcherConfig, logger *Logger) *Watcher {
	return &Watcher{
		actor:  actor,
		cfg:    cfg,
		logger: logger.WithComponent("watcher"),
	}
}

// OnChange registers the callback invoked when a watched file's content
// changes (typically the lifecycle controller's rolling-restart trigger).
func (w *Watcher) OnChange(fn func()) {
	w.onChange = fn
}

// AddFiles contributes paths to the watch set, deduplicating against
// files already tracked.
func (w *Watcher) AddFiles(paths []string) {
	w.actor.Do(func(s *State) {
		for _, p := range paths {
			if _, ok := s.TrackedFiles[p]; ok {
				continue
			}
			rec, err := statRecord(p)
			if err != nil {
				continue
			}
			s.TrackedFiles[p] = rec
			w.files = append(w.files, p)
		}
	})
}

// Run polls the watch set at cfg.PollInterval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	changed := false

	w.actor.Do(func(s *State) {
		for i, path := range w.files {
			info, err := os.Stat(path)
			if err != nil {
				if w.cfg.Debug {
					w.logger.Debug("stat failed during poll", "path", path, "error", err)
				}
				continue
			}

			prev, ok := s.TrackedFiles[path]
			if !ok || info.ModTime().UnixNano() == prev.modTime {
				continue
			}
			hash, err := hashFile(path)
			if err != nil {
				continue
			}
			rec := fileRecord{modTime: info.ModTime().UnixNano(), hash: hash}
			if rec.hash == prev.hash {
				// mtime moved but content didn't (e.g. touch, or a save
				// that round-tripped to the same bytes); still record the
				// new mtime so we don't re-hash it every poll.
				s.TrackedFiles[path] = rec
				continue
			}

			s.TrackedFiles[path] = rec
			changed = true

			if w.cfg.Debug {
				w.logger.Debug("watched file changed", "path", path)
			}

			// Move to front, then stop: at most one change per poll.
			copy(w.files[1:i+1], w.files[:i])
			w.files[0] = path
			break
		}
	})

	if changed && w.onChange != nil {
		w.onChange()
	}
}

func statRecord(path string) (fileRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileRecord{}, err
	}

	hash, err := hashFile(path)
	if err != nil {
		return fileRecord{}, err
	}

	return fileRecord{modTime: info.ModTime().UnixNano(), hash: hash}, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
