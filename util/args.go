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

package util

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ExpandArg turns a repeatable flag value into its items: a "@file" value
// reads one item per line (blank lines and #-comments skipped), anything
// else splits on commas. Used for --type, --type-filter, and --id-list.
func ExpandArg(value string) ([]string, error) {
	if !strings.HasPrefix(value, "@") {
		return splitComma(value), nil
	}

	b, err := os.ReadFile(strings.TrimPrefix(value, "@"))
	if err != nil {
		return nil, fmt.Errorf("error while reading file: %s: %w", value, err)
	}
	var items []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, line)
	}
	return items, nil
}

func splitComma(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// ValidateFilter checks that a type filter looks like "Type?params" with a
// parsable query part.
func ValidateFilter(filter string) error {
	resourceType, params, found := strings.Cut(filter, "?")
	if !found || resourceType == "" {
		return fmt.Errorf("type filter %q is not of the form Type?params", filter)
	}
	if _, err := url.ParseQuery(params); err != nil {
		return fmt.Errorf("type filter %q has an unparsable query: %w", filter, err)
	}
	return nil
}
