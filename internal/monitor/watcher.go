package monitor

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StoreWatcher uses fsnotify to watch the store files behind the live
// monitor and triggers a callback with debouncing. SQLite writes land
// in the database file or its -wal sidecar, so the watcher observes
// each file's directory and matches events by base-name prefix.
type StoreWatcher struct {
	onChange func()
	watcher  *fsnotify.Watcher
	bases    []string
	debounce time.Duration
	pending  time.Time
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewStoreWatcher watches the given store file paths and calls
// onChange when any of them is modified, after the debounce period
// elapses.
func NewStoreWatcher(
	debounce time.Duration, paths []string, onChange func(),
) (*StoreWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback is nil: %w", os.ErrInvalid)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &StoreWatcher{
		onChange: onChange,
		watcher:  fsw,
		debounce: debounce,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}

	dirs := make(map[string]bool)
	for _, path := range paths {
		w.bases = append(w.bases, filepath.Base(path))
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	return w, nil
}

// Start begins processing file events in a goroutine.
func (w *StoreWatcher) Start() {
	go w.loop()
}

// Stop stops the watcher and waits for it to finish.
func (w *StoreWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.watcher.Close()
	})
}

func (w *StoreWatcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("store watcher error: %v", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

// handleEvent records a pending change when the event touches one of
// the watched store files or their WAL/journal sidecars.
func (w *StoreWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	name := filepath.Base(event.Name)
	matched := false
	for _, base := range w.bases {
		if strings.HasPrefix(name, base) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}

	w.mu.Lock()
	w.pending = w.now()
	w.mu.Unlock()
}

func (w *StoreWatcher) flush() {
	w.mu.Lock()
	fire := !w.pending.IsZero() && w.now().Sub(w.pending) >= w.debounce
	if fire {
		w.pending = time.Time{}
	}
	w.mu.Unlock()

	if fire {
		w.onChange()
	}
}
