package pool

import (
	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/skillforge/internal/log"
)

// workdirWatcher observes a worker's working directory and reports file
// activity. Workers that spend long stretches writing files without
// emitting stream events would otherwise look idle to the reaper.
type workdirWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// newWorkdirWatcher starts watching dir. onActivity is called for every
// filesystem event under the directory.
func newWorkdirWatcher(dir string, onActivity func()) (*workdirWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &workdirWatcher{watcher: fsw, done: make(chan struct{})}

	log.SafeGo("pool.workdirWatcher", func() {
		for {
			select {
			case <-w.done:
				return
			case _, ok := <-fsw.Events:
				if !ok {
					return
				}
				onActivity()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warn(log.CatPool, "workdir watcher error", "dir", dir, "error", err)
			}
		}
	})

	return w, nil
}

// Close stops the watcher.
func (w *workdirWatcher) Close() {
	close(w.done)
	_ = w.watcher.Close()
}
