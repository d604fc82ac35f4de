package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change. Editors write files in
// several steps, so events are debounced; a reload that fails validation
// is logged and dropped while the running config stays in effect.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch observes path and calls onChange with each successfully loaded
// config. onChange runs on the watcher goroutine.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: many editors replace the file, which drops a
	// watch set on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, done: make(chan struct{})}
	go w.loop(path, onChange)
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop(path string, onChange func(*Config)) {
	var timer *time.Timer
	target := filepath.Clean(path)

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(500*time.Millisecond, func() {
				cfg, err := Load(path)
				if err != nil {
					log.Printf("config reload rejected: %v", err)
					return
				}
				log.Printf("config reloaded from %s", path)
				onChange(cfg)
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}
