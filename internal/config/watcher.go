package config

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ProfileWatcher monitors the managed profile file and delivers a fresh
// clamped Snapshot on every change. The snapshot is always rebuilt whole; a
// profile that fails validation keeps the previous snapshot in effect.
type ProfileWatcher struct {
	path      string
	log       *slog.Logger
	fsWatcher *fsnotify.Watcher

	snapshots chan *Snapshot

	done chan struct{}
	wg   sync.WaitGroup
}

// WatchProfile starts watching the profile at path. The directory is
// watched rather than the file so atomic replace-by-rename is observed.
func WatchProfile(path string, log *slog.Logger) (*ProfileWatcher, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	w := &ProfileWatcher{
		path:      path,
		log:       log,
		fsWatcher: fsWatcher,
		snapshots: make(chan *Snapshot, 1),
		done:      make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Snapshots returns the channel of replacement snapshots.
func (w *ProfileWatcher) Snapshots() <-chan *Snapshot {
	return w.snapshots
}

func (w *ProfileWatcher) loop() {
	defer w.wg.Done()

	// Editors and MDM agents often write in bursts; debounce before reload.
	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(250 * time.Millisecond)
				pendingC = pending.C
			} else {
				pending.Reset(250 * time.Millisecond)
			}

		case <-pendingC:
			pending = nil
			pendingC = nil
			w.reload()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("profile watcher error", "error", err)
		}
	}
}

func (w *ProfileWatcher) reload() {
	snapshot, err := LoadProfileFile(w.path, w.log)
	if err != nil {
		w.log.Warn("managed profile rejected, keeping previous snapshot", "error", err)
		return
	}

	// Replace any undelivered snapshot: only the latest matters.
	select {
	case <-w.snapshots:
	default:
	}
	w.snapshots <- snapshot
	w.log.Info("managed profile reloaded")
}

// Close stops the watcher.
func (w *ProfileWatcher) Close() error {
	close(w.done)
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}
