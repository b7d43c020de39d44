// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher hot-reloads the config file and notifies a callback with the
// freshly parsed configuration. Reload failures keep the previous config.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	onReload func(*Config)
}

// NewWatcher builds a watcher for path. onReload runs on the watcher
// goroutine for every successful reload.
func NewWatcher(path string, onReload func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		stop:     make(chan struct{}),
		onReload: onReload,
	}
}

// Start begins watching the config file's directory. Watching the directory
// instead of the file survives editors that replace the file on save.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	if err = w.watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					log.Infof("Config file changed (%s), reloading...", event.Name)
					time.Sleep(100 * time.Millisecond)
					cfg, err := LoadConfig(w.path)
					if err != nil {
						log.Errorf("Failed to reload config: %v", err)
						continue
					}
					w.onReload(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("Config watcher error: %v", err)
			case <-w.stop:
				return
			}
		}
	}()

	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		select {
		case <-w.stop:
		default:
			close(w.stop)
		}
		w.watcher.Close()
	}
}
