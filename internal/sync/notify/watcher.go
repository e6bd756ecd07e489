package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/fieldsync/internal/logging"
)

// MarkerFile is the file instances touch to announce a queue change.
const MarkerFile = "queue.changed"

// Watcher is a Channel built on a marker file in the shared data directory.
// Publish rewrites the marker with this instance's id; fsnotify events on it
// written by other instances become signals.
//
// The directory is watched rather than the file, since Publish replaces the
// file by rename.
type Watcher struct {
	dir        string
	path       string
	instanceID string

	watcher *fsnotify.Watcher
	signals chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewWatcher creates a Watcher on dir and starts processing events.
func NewWatcher(dir, instanceID string) (*Watcher, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:        dir,
		path:       filepath.Join(dir, MarkerFile),
		instanceID: instanceID,
		watcher:    fw,
		signals:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		running:    true,
	}
	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

// Publish announces a local change.
func (w *Watcher) Publish() error {
	tmp, err := os.CreateTemp(w.dir, "."+MarkerFile+".*")
	if err != nil {
		return fmt.Errorf("failed to write change marker: %w", err)
	}
	body := fmt.Sprintf("%s\n%d\n", w.instanceID, time.Now().UnixNano())
	if _, err := tmp.WriteString(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write change marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write change marker: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish change marker: %w", err)
	}
	return nil
}

// Signals returns the channel of announcements from other instances.
func (w *Watcher) Signals() <-chan struct{} {
	return w.signals
}

// Close stops watching and closes the signal channel.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	close(w.signals)
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.fromOtherInstance(event) {
				signal(w.signals)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Change watcher error", map[string]interface{}{
				"dir":   w.dir,
				"error": err.Error(),
			})
		}
	}
}

// fromOtherInstance reports whether event is a marker write by someone else.
func (w *Watcher) fromOtherInstance(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != MarkerFile {
		return false
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	raw, err := os.ReadFile(w.path)
	if err != nil {
		// Replaced again before we could read it; the next event covers it.
		return false
	}
	owner, _, _ := strings.Cut(string(raw), "\n")
	return owner != "" && owner != w.instanceID
}

var _ Channel = (*Watcher)(nil)
