// Package credwatch hot-reloads the cleartext authenticator's shared
// secret from a file, using the same debounced fsnotify pattern used
// elsewhere in this codebase for watching stored source files. Here
// there is exactly one file to watch and exactly one action to take on
// change: re-read it and swap the in-memory secret.
package credwatch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ha1tch/pglite/pkg/log"
)

// defaultDebounce matches editors and deploy tooling that write a
// credential file via a sequence of CREATE+RENAME rather than one WRITE.
const defaultDebounce = 100 * time.Millisecond

// Watcher holds the current credential bytes and keeps them in sync
// with a file on disk.
type Watcher struct {
	path   string
	logger *log.Logger

	mu     sync.RWMutex
	secret []byte

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	doneCh    chan struct{}

	debounce time.Duration
	timer    *time.Timer
	timerMu  sync.Mutex
}

// New creates a Watcher for path, doing an initial synchronous read so
// Secret() is usable immediately even before Start is called. A missing
// file is not an error here: it just means no credential is configured,
// matching the cleartext authenticator's "reject everything" behavior.
func New(path string, logger *log.Logger) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		logger:   logger,
		debounce: defaultDebounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	w.reload()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.fsWatcher = fsw
	return w, nil
}

// Secret returns the current credential bytes. Safe for concurrent use;
// intended to be passed directly as a wire.NewCleartextAuthenticatorFromSource
// source function.
func (w *Watcher) Secret() []byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.secret
}

// Start begins watching the credential file's parent directory (fsnotify
// has no reliable single-file watch across editors that write via
// rename) and filters events down to the one file that matters.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.fsWatcher.Add(dir); err != nil {
		return err
	}
	go w.processEvents()
	return nil
}

// Stop releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.fsWatcher.Close()
}

func (w *Watcher) processEvents() {
	defer close(w.doneCh)

	target := filepath.Base(w.path)
	for {
		select {
		case <-w.stopCh:
			w.timerMu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timerMu.Unlock()
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Audit().Warn("credential watcher error", "error", err.Error())
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Audit().Warn("credential file unreadable, leaving secret unchanged", "path", w.path, "error", err.Error())
		}
		return
	}

	secret := []byte(strings.TrimRight(string(data), "\r\n"))

	w.mu.Lock()
	changed := string(secret) != string(w.secret)
	w.secret = secret
	w.mu.Unlock()

	if changed && w.logger != nil {
		w.logger.Audit().Info("credential reloaded", "path", w.path)
	}
}
