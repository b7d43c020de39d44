// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

const cleanerInterval = 10 * time.Minute

var cleanerStop chan struct{}

// configureDirCleanerLocked starts or stops the background log directory
// cleaner. Caller must hold writerMu.
func configureDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopDirCleanerLocked()
	if maxTotalSizeMB <= 0 {
		return
	}

	stop := make(chan struct{})
	cleanerStop = stop
	go func() {
		ticker := time.NewTicker(cleanerInterval)
		defer ticker.Stop()
		cleanLogDir(logDir, int64(maxTotalSizeMB)*1024*1024, protectedPath)
		for {
			select {
			case <-ticker.C:
				cleanLogDir(logDir, int64(maxTotalSizeMB)*1024*1024, protectedPath)
			case <-stop:
				return
			}
		}
	}()
}

func stopDirCleanerLocked() {
	if cleanerStop != nil {
		close(cleanerStop)
		cleanerStop = nil
	}
}

// cleanLogDir deletes the oldest files in dir until the total size fits
// within maxBytes. The active log file is never deleted.
func cleanLogDir(dir string, maxBytes int64, protectedPath string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, e.Name())
		files = append(files, fileInfo{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}
	if total <= maxBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files {
		if total <= maxBytes {
			break
		}
		if f.path == protectedPath {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			log.Warnf("logging: failed to remove old log file %s: %v", f.path, err)
			continue
		}
		total -= f.size
	}
}
