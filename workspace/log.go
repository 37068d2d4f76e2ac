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

package workspace

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Event names written to a SubExport's log.ndjson.
const (
	EventKickoff          = "kickoff"
	EventStatusComplete   = "status_complete"
	EventDownloadComplete = "download_complete"
	EventDownloadError    = "download_error"
	EventExportComplete   = "export_complete"
	EventExportWarning    = "export_warning"
	EventQueryFailed      = "query_failed"
	EventHydrateWarning   = "hydrate_warning"
)

// LogFile is the per-SubExport structured event log file name.
const LogFile = "log.ndjson"

// EventLog appends structured events to a SubExport's log.ndjson. Each event
// is one JSON line, flushed as it is written; the file survives across
// resumed runs and only ever grows.
type EventLog struct {
	file   *os.File
	logger zerolog.Logger
}

// OpenEventLog opens (or creates) the SubExport's event log for appending.
func (s *SubExport) OpenEventLog() (*EventLog, error) {
	file, err := os.OpenFile(filepath.Join(s.Path, LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	logger := zerolog.New(file).With().Timestamp().Logger()
	return &EventLog{file: file, logger: logger}, nil
}

// Event starts an info-level event line with the given event id. Callers
// attach structured fields and finish with Msg or Send.
func (l *EventLog) Event(id string) *zerolog.Event {
	return l.logger.Info().Str("event", id)
}

// Warning starts a warn-level line, used for non-fatal problems like failed
// queries or skipped attachments.
func (l *EventLog) Warning(id string) *zerolog.Event {
	return l.logger.Warn().Str("event", id)
}

// Close closes the underlying file.
func (l *EventLog) Close() error {
	return l.file.Close()
}
