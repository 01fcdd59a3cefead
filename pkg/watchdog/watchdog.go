package watchdog

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type WatchDogFactory struct {
	logger *zap.Logger
}

type filterFun func(string) bool

// WatchDog forwards file creation events from watched directories to a
// channel. Directories are added while it runs; afl creates its output tree
// lazily so the interesting dirs rarely exist up front.
type WatchDog struct {
	watchCtx   context.Context
	notifyChan chan<- string
	filter     filterFun
	logger     *zap.Logger

	watcher *fsnotify.Watcher
}

func NewWatchDogFactory(logger *zap.Logger) *WatchDogFactory {
	return &WatchDogFactory{
		logger: logger,
	}
}

// New starts a WatchDog that owns notifyChan: created file paths are sent to
// it, and it is closed when watchCtx is done. A nil filter forwards every
// creation; otherwise only paths the filter returns true for are forwarded.
func (w *WatchDogFactory) New(watchCtx context.Context, notifyChan chan<- string, filter filterFun) *WatchDog {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Fatal("Failed to create watcher", zap.Error(err))
	}

	watchDog := &WatchDog{
		watchCtx,
		notifyChan,
		filter,
		w.logger,
		watcher,
	}

	go watchDog.watch()

	return watchDog
}

// AddDir puts a directory on the watch list. Failures are logged and
// swallowed; a dir that does not exist yet can be retried by the caller.
func (w *WatchDog) AddDir(dir string) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		w.logger.Error("Failed to get absolute path", zap.String("dir", dir), zap.Error(err))
		return
	}
	if _, err := os.Stat(absDir); os.IsNotExist(err) {
		w.logger.Error("Directory does not exist", zap.String("dir", absDir), zap.Error(err))
		return
	}
	if err := w.watcher.Add(absDir); err != nil {
		w.logger.Error("Failed to add directory to watcher", zap.String("dir", dir), zap.Error(err))
		return
	}
	w.logger.Debug("Added directory to watch list", zap.String("dir", dir))
}

func (w *WatchDog) watch() {
	defer w.watcher.Close()
	defer close(w.notifyChan)
	for {
		select {
		case <-w.watchCtx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Debug("fsnotify event channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Debug("fsnotify error channel closed")
				return
			}
			w.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}

func (w *WatchDog) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != fsnotify.Create {
		return
	}
	w.logger.Debug("File created", zap.String("file", event.Name))
	if w.filter == nil || w.filter(event.Name) {
		w.notifyChan <- event.Name
	} else {
		w.logger.Debug("File ignored by filter", zap.String("file", event.Name))
	}
}
