// Copyright 2026 The VDO Authors
// This file is part of the vdo library.
//
// The vdo library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The vdo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the vdo library. If not, see <http://www.gnu.org/licenses/>.

// Package vdolog provides the ambient structured-logging setup shared by
// every zone and component: an hourly-rotating file writer feeding a
// zap core.
//
// The rotation logic (NewAsyncFileWriter, getNextRotationHour,
// getExpiredFile, removeExpiredFile, backupTimeFormat) is reconstructed
// from the teacher's log/async_file_writer_test.go, which is the only
// surviving file of that package in the retrieval pack -- the
// implementation was filtered out, so this file rebuilds one that
// satisfies the exact contract the test exercises.
package vdolog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "2006-01-02T15-04-05"

// AsyncFileWriter rotates filePath hourly (on a boundary every rotateHours
// hours) and keeps at most maxBackups rotated copies, writing through a
// buffered channel so callers block on disk I/O only when that buffer is
// full.
type AsyncFileWriter struct {
	filePath    string
	maxBackups  int
	rotateHours uint
	bufferLines int

	mu      sync.Mutex
	file    *os.File
	lines   chan []byte
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewAsyncFileWriter matches the teacher test's constructor shape:
// (path, bufferLines, maxBackups, rotateHours).
func NewAsyncFileWriter(filePath string, bufferLines, maxBackups int, rotateHours uint) *AsyncFileWriter {
	return &AsyncFileWriter{
		filePath:    filePath,
		maxBackups:  maxBackups,
		rotateHours: rotateHours,
		bufferLines: bufferLines,
	}
}

// Start opens the file and begins the background writer goroutine.
func (w *AsyncFileWriter) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if dir := filepath.Dir(w.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.lines = make(chan []byte, w.bufferLines)
	w.done = make(chan struct{})
	w.started = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *AsyncFileWriter) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	nextRotation := getNextRotationHour(time.Now(), w.rotateHours)
	for {
		select {
		case b, ok := <-w.lines:
			if !ok {
				return
			}
			w.mu.Lock()
			if w.file != nil {
				w.file.Write(b)
			}
			w.mu.Unlock()
		case <-ticker.C:
			if time.Now().Hour() == nextRotation {
				w.rotate()
				nextRotation = getNextRotationHour(time.Now(), w.rotateHours)
			}
		case <-w.done:
			// Drain remaining buffered lines before exiting.
			for {
				select {
				case b, ok := <-w.lines:
					if !ok {
						return
					}
					w.mu.Lock()
					if w.file != nil {
						w.file.Write(b)
					}
					w.mu.Unlock()
				default:
					return
				}
			}
		}
	}
}

// Write enqueues b for the background writer. It implements io.Writer so
// an AsyncFileWriter can back a zapcore.WriteSyncer.
func (w *AsyncFileWriter) Write(b []byte) (int, error) {
	cpy := make([]byte, len(b))
	copy(cpy, b)
	select {
	case w.lines <- cpy:
	default:
		// Buffer full: write synchronously rather than drop the log line.
		w.mu.Lock()
		if w.file != nil {
			w.file.Write(cpy)
		}
		w.mu.Unlock()
	}
	return len(b), nil
}

// Sync satisfies zapcore.WriteSyncer.
func (w *AsyncFileWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Stop flushes and closes the writer.
func (w *AsyncFileWriter) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	close(w.done)
	close(w.lines)
	w.wg.Wait()

	w.mu.Lock()
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.removeExpiredFile()
}

func (w *AsyncFileWriter) rotate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	w.file.Close()
	backupName := w.filePath + "." + time.Now().Format(backupTimeFormat)
	os.Rename(w.filePath, backupName)
	f, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err == nil {
		w.file = f
	}
	go w.removeExpiredFile()
}

// getNextRotationHour returns the next hour-of-day (0-23) at which the
// file should roll, given a rotation cadence of delta hours.
func getNextRotationHour(now time.Time, delta uint) int {
	if delta == 0 {
		delta = 1
	}
	h := now.Hour()
	next := (h/int(delta) + 1) * int(delta)
	return next % 24
}

// getExpiredFile returns the path of the oldest backup beyond maxBackups,
// or "" if there are not yet more than maxBackups backups.
func (w *AsyncFileWriter) getExpiredFile(base string, maxBackups int, rotateHours uint) string {
	dir := filepath.Dir(base)
	prefix := filepath.Base(base) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var backups []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}
	if len(backups) <= maxBackups {
		return ""
	}
	sort.Strings(backups)
	return backups[0]
}

// removeExpiredFile deletes backups beyond maxBackups, oldest first.
func (w *AsyncFileWriter) removeExpiredFile() {
	for {
		victim := w.getExpiredFile(w.filePath, w.maxBackups, w.rotateHours)
		if victim == "" {
			return
		}
		os.Remove(victim)
	}
}
