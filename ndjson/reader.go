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

package ndjson

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Line is one successfully parsed NDJSON line.
type Line struct {
	Path     string
	Number   int // 1-based
	Resource map[string]any
}

// maxLineSize accommodates resources with large inlined attachments.
const maxLineSize = 512 << 20

// ReadFile streams the resources of one NDJSON file, transparently
// decompressing ".gz" files. Blank lines are skipped; unparsable lines are
// logged and skipped, because one corrupt record should not sink an entire
// multi-hour export. Only fn's errors and I/O errors stop the scan.
func ReadFile(path string, fn func(Line) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return err
		}
		defer gz.Close()
		reader = gz
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	number := 0
	for scanner.Scan() {
		number++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var resource map[string]any
		if err := json.Unmarshal(line, &resource); err != nil {
			log.Warn().Str("file", path).Int("line", number).Err(err).
				Msg("Skipping unparsable NDJSON line")
			continue
		}
		if err := fn(Line{Path: path, Number: number, Resource: resource}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// fileNamePattern matches "<Type>.<index>.ndjson[.gz]" as well as the plain
// "<Type>.ndjson[.gz]" form used for deletion bundles.
// Resource types are upper-camel-case, which keeps "log.ndjson" out.
var fileNamePattern = regexp.MustCompile(`^([A-Z][A-Za-z]*)(\.\d+)?\.ndjson(\.gz)?$`)

// ListFiles returns the NDJSON files for one resource type in dir, sorted by
// name so numeric suffixes keep their order. Pass "" to list all types.
func ListFiles(dir, resourceType string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := fileNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		if resourceType != "" && match[1] != resourceType {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// ReadDir streams the resources of every file ListFiles would return.
func ReadDir(dir, resourceType string, fn func(Line) error) error {
	files, err := ListFiles(dir, resourceType)
	if err != nil {
		return err
	}
	for _, file := range files {
		if err := ReadFile(file, fn); err != nil {
			return err
		}
	}
	return nil
}

// ResourceTypeOfFile extracts the resource type from a workspace NDJSON file
// name, or "" when the name does not follow the convention.
func ResourceTypeOfFile(path string) string {
	match := fileNamePattern.FindStringSubmatch(filepath.Base(path))
	if match == nil {
		return ""
	}
	return match[1]
}

// CountLines counts the lines of an NDJSON file, decompressing if needed.
// Used to sanity-check partially downloaded files during a resume.
func CountLines(path string) (int, error) {
	count := 0
	err := ReadFile(path, func(Line) error {
		count++
		return nil
	})
	return count, err
}
