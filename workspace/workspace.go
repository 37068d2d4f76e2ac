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

// Package workspace manages the on-disk export layout: a workspace directory
// holding numbered SubExport subdirectories plus pooled top-level symlinks,
// guarded by a lock file against concurrent runs.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrgrab/ehrgrab/fhir"
	"github.com/ehrgrab/ehrgrab/ndjson"
)

// ErrInProgress is returned when a workspace holds an unfinished SubExport
// whose parameters differ from the current invocation.
var ErrInProgress = errors.New("an unfinished export with different parameters exists; finish or remove it first")

// ErrLocked is returned when another process holds the workspace lock.
var ErrLocked = errors.New("another export is already running on this workspace")

var subExportPattern = regexp.MustCompile(`^(\d{3})\.(.+)$`)

// A Workspace is the user-facing output directory. Opening one takes an
// exclusive flock on <dir>/.lock which the OS releases even on crash.
type Workspace struct {
	Dir  string
	lock *os.File
}

// Open creates the directory if needed and acquires the workspace lock.
func Open(dir string) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lock, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		return nil, ErrLocked
	}
	return &Workspace{Dir: dir, lock: lock}, nil
}

// Close releases the workspace lock.
func (w *Workspace) Close() error {
	if w.lock == nil {
		return nil
	}
	_ = unix.Flock(int(w.lock.Fd()), unix.LOCK_UN)
	err := w.lock.Close()
	w.lock = nil
	return err
}

// A SubExport is one acquisition run's directory inside a Workspace.
type SubExport struct {
	Path  string
	Index int
	Label string
	Meta  *Metadata
}

// SubExports lists the workspace's SubExport directories in index order.
// Directories without a readable metadata file are skipped.
func (w *Workspace) SubExports() ([]*SubExport, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return nil, err
	}
	var subs []*SubExport
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		match := subExportPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		index, _ := strconv.Atoi(match[1])
		path := filepath.Join(w.Dir, entry.Name())
		meta, err := loadMetadata(path)
		if err != nil {
			continue
		}
		subs = append(subs, &SubExport{Path: path, Index: index, Label: match[2], Meta: meta})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Index < subs[j].Index })
	return subs, nil
}

// Begin opens the SubExport for the given parameters: an unfinished one with
// structurally equal parameters is resumed, an unfinished one with different
// parameters is an error, and otherwise a fresh directory is created at
// max+1. The label is the nickname or today's UTC date.
func (w *Workspace) Begin(params Params) (*SubExport, error) {
	params = params.Normalized()
	subs, err := w.SubExports()
	if err != nil {
		return nil, err
	}

	maxIndex := 0
	for _, sub := range subs {
		maxIndex = max(maxIndex, sub.Index)
		if sub.Meta.Complete {
			if params.Nickname != "" && sub.Label == params.Nickname {
				return nil, fmt.Errorf("nickname %q already used by completed export %s", params.Nickname, sub.Path)
			}
			continue
		}
		if sub.Meta.ParamsHash == params.Hash() {
			sub.Meta.Params = params
			return sub, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrInProgress, sub.Path)
	}

	label := params.Nickname
	if label == "" {
		label = time.Now().UTC().Format("2006-01-02")
	}
	path := filepath.Join(w.Dir, fmt.Sprintf("%03d.%s", maxIndex+1, label))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	sub := &SubExport{
		Path:  path,
		Index: maxIndex + 1,
		Label: label,
		Meta: &Metadata{
			Version:    1,
			Params:     params,
			ParamsHash: params.Hash(),
			Started:    fhir.FormatInstant(time.Now()),
		},
	}
	if err := sub.SaveMetadata(); err != nil {
		return nil, err
	}
	return sub, nil
}

// LatestComplete returns the highest-numbered completed SubExport, or nil.
func (w *Workspace) LatestComplete() (*SubExport, error) {
	subs, err := w.SubExports()
	if err != nil {
		return nil, err
	}
	for i := len(subs) - 1; i >= 0; i-- {
		if subs[i].Meta.Complete {
			return subs[i], nil
		}
	}
	return nil, nil
}

// SinceAuto resolves --since=auto: the transaction times of the newest
// completed SubExport, per resource type. A nil map means no prior complete
// export exists and the run must fetch everything.
func (w *Workspace) SinceAuto() (map[string]string, error) {
	prior, err := w.LatestComplete()
	if err != nil || prior == nil {
		return nil, err
	}
	return prior.Meta.TransactionTimes, nil
}

// SaveMetadata persists the SubExport's metadata atomically.
func (s *SubExport) SaveMetadata() error {
	return saveMetadata(s.Path, s.Meta)
}

// Finalize marks the SubExport complete and persists it. A run with finally
// failed queries stays incomplete so a later --since=auto does not trust it.
func (s *SubExport) Finalize() error {
	s.Meta.Finished = fhir.FormatInstant(time.Now())
	s.Meta.Complete = s.Meta.FailedQueries == 0
	return s.SaveMetadata()
}

// DeletedDir returns the SubExport's deleted/ directory, creating it.
func (s *SubExport) DeletedDir() (string, error) {
	dir := filepath.Join(s.Path, "deleted")
	return dir, os.MkdirAll(dir, 0o755)
}

// NextPageIndex returns the next unused 1-based page index for a resource
// type, so a resumed run continues numbering instead of clobbering.
func (s *SubExport) NextPageIndex(resourceType string) (int, error) {
	files, err := ndjson.ListFiles(s.Path, resourceType)
	if err != nil {
		return 0, err
	}
	return len(files) + 1, nil
}

// Pool refreshes the workspace's top-level symlinks for every resource type
// the finalized SubExport declared or produced. Per type, all files across all
// SubExports are relinked in order with a dense global page number starting
// at 001, each link's extension following its target.
func (w *Workspace) Pool(sub *SubExport) error {
	types := map[string]bool{}
	for _, t := range sub.Meta.Params.Types {
		types[t] = true
	}
	files, err := ndjson.ListFiles(sub.Path, "")
	if err != nil {
		return err
	}
	for _, file := range files {
		if t := ndjson.ResourceTypeOfFile(file); t != "" {
			types[t] = true
		}
	}

	subs, err := w.SubExports()
	if err != nil {
		return err
	}
	for resourceType := range types {
		if err := w.relink(resourceType, subs); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) relink(resourceType string, subs []*SubExport) error {
	// Drop the type's existing links first.
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		if ndjson.ResourceTypeOfFile(entry.Name()) == resourceType {
			if err := os.Remove(filepath.Join(w.Dir, entry.Name())); err != nil {
				return err
			}
		}
	}

	global := 1
	for _, sub := range subs {
		files, err := ndjson.ListFiles(sub.Path, resourceType)
		if err != nil {
			return err
		}
		for _, file := range files {
			compressed := filepath.Ext(file) == ".gz"
			name := ndjson.FileName(resourceType, global, compressed)
			target, err := filepath.Rel(w.Dir, file)
			if err != nil {
				return err
			}
			if err := os.Symlink(target, filepath.Join(w.Dir, name)); err != nil {
				return err
			}
			global++
		}
	}
	return nil
}
