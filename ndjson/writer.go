// Copyright 2024 - 2025 The ehrgrab Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ndjson reads and writes newline-delimited JSON resource files,
// optionally gzip-compressed, with the atomic temp-then-rename discipline an
// interruptible export needs.
package ndjson

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultRollSize is the uncompressed size at which a rolling writer starts
// the next file.
const DefaultRollSize = 1 << 30

// Writer writes one resource per line to a single NDJSON file. The file is
// created lazily on the first line and written as a hidden temp sibling;
// Close syncs and renames it into place, so readers never observe a partial
// file. A Writer that never received a line leaves nothing behind.
type Writer struct {
	path     string
	file     *os.File
	gz       *gzip.Writer
	buffered *bufio.Writer
	lines    int
	bytes    int64
}

// NewWriter creates a Writer for the given path. A ".gz" suffix enables
// transparent compression.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

func (w *Writer) open() error {
	tmp, err := os.OpenFile(w.tempPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.file = tmp
	if strings.HasSuffix(w.path, ".gz") {
		w.gz = gzip.NewWriter(tmp)
		w.buffered = bufio.NewWriter(w.gz)
	} else {
		w.buffered = bufio.NewWriter(tmp)
	}
	return nil
}

func (w *Writer) tempPath() string {
	return filepath.Join(filepath.Dir(w.path), "."+filepath.Base(w.path)+".tmp")
}

// Write appends one resource as a compact JSON line.
func (w *Writer) Write(resource any) error {
	line, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	return w.WriteLine(line)
}

// WriteLine appends one pre-serialized JSON line, compacting any formatting
// whitespace first.
func (w *Writer) WriteLine(line []byte) error {
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, line); err != nil {
		return fmt.Errorf("invalid JSON line: %w", err)
	}
	if w.buffered == nil {
		if err := w.open(); err != nil {
			return err
		}
	}
	if _, err := w.buffered.Write(compacted.Bytes()); err != nil {
		return err
	}
	if err := w.buffered.WriteByte('\n'); err != nil {
		return err
	}
	w.lines++
	w.bytes += int64(compacted.Len()) + 1
	return nil
}

// Lines returns how many lines were written so far.
func (w *Writer) Lines() int {
	return w.lines
}

// Bytes returns the uncompressed byte count written so far.
func (w *Writer) Bytes() int64 {
	return w.bytes
}

// Path returns the final path this writer renames to on Close.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes, syncs, and moves the file into its final place. Closing a
// writer that never received a line is a no-op.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	if err := w.buffered.Flush(); err != nil {
		return err
	}
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return err
		}
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.tempPath(), w.path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(w.path))
}

// Abort discards the temp file without renaming.
func (w *Writer) Abort() {
	if w.file == nil {
		return
	}
	w.file.Close()
	os.Remove(w.tempPath())
	w.file = nil
	w.buffered = nil
	w.gz = nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// RollingWriter spreads one resource type's lines over numbered files like
// "Observation.001.ndjson.gz", starting the next file once the current one
// crosses the roll size (measured before compression).
type RollingWriter struct {
	dir          string
	resourceType string
	compress     bool

	// RollSize can be lowered in tests; zero means DefaultRollSize.
	RollSize int64

	index   int
	current *Writer
	files   []string
}

// NewRollingWriter creates a RollingWriter that places files in dir. Indexes
// continue from startIndex so a resumed export never clobbers earlier files.
func NewRollingWriter(dir, resourceType string, compress bool, startIndex int) *RollingWriter {
	return &RollingWriter{dir: dir, resourceType: resourceType, compress: compress, index: startIndex}
}

// FileName renders the workspace NDJSON file name for a type and index.
func FileName(resourceType string, index int, compress bool) string {
	name := fmt.Sprintf("%s.%03d.ndjson", resourceType, index)
	if compress {
		name += ".gz"
	}
	return name
}

// Write appends one resource, rolling to the next file when needed.
func (w *RollingWriter) Write(resource any) error {
	limit := w.RollSize
	if limit == 0 {
		limit = DefaultRollSize
	}
	if w.current != nil && w.current.Bytes() >= limit {
		if err := w.roll(); err != nil {
			return err
		}
	}
	if w.current == nil {
		w.current = NewWriter(filepath.Join(w.dir, FileName(w.resourceType, w.index, w.compress)))
	}
	return w.current.Write(resource)
}

func (w *RollingWriter) roll() error {
	if err := w.current.Close(); err != nil {
		return err
	}
	w.files = append(w.files, w.current.Path())
	w.current = nil
	w.index++
	return nil
}

// Files lists the files finished so far, in index order. Only valid after
// Close.
func (w *RollingWriter) Files() []string {
	return w.files
}

// NextIndex returns the index the next new file would use.
func (w *RollingWriter) NextIndex() int {
	return w.index
}

// Close finishes the current file, if any.
func (w *RollingWriter) Close() error {
	if w.current == nil {
		return nil
	}
	if w.current.Lines() == 0 {
		w.current.Abort()
		w.current = nil
		return nil
	}
	return w.roll()
}
