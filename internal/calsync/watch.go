package calsync

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchFile signals on the returned channel whenever the named file is
// written, created, or renamed. The parent directory is watched rather than
// the file itself so editors that replace the file (write to temp + rename)
// are still seen. Events are debounced; at most one signal is pending.
func watchFile(path string, logger Logger) (<-chan struct{}, func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, nil, err
	}

	ch := make(chan struct{}, 1)
	base := filepath.Base(path)
	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					select {
					case ch <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Printf("config watch error err=%v", err)
				}
			}
		}
	}()
	stop := func() { _ = watcher.Close() }
	return ch, stop, nil
}
