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
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Durations collects request durations from concurrent workers for an
// end-of-run latency summary.
type Durations struct {
	mu      sync.Mutex
	seconds []float64
}

// Add records one duration. Safe for concurrent use.
func (d *Durations) Add(duration time.Duration) {
	d.mu.Lock()
	d.seconds = append(d.seconds, duration.Seconds())
	d.mu.Unlock()
}

// Len returns how many durations were recorded.
func (d *Durations) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seconds)
}

// Statistics computes the summary over everything recorded so far.
func (d *Durations) Statistics() DurationStatistics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return CalculateDurationStatistics(d.seconds)
}

// DurationStatistics represents statistics about measured durations.
// Comprises information about the mean and max as well as different
// percentiles (50, 95 and 99).
type DurationStatistics struct {
	Mean, Q50, Q95, Q99, Max time.Duration
}

// Calculates the DurationStatistics for a set of given durations in seconds.
func CalculateDurationStatistics(durations []float64) DurationStatistics {
	if len(durations) == 0 {
		return DurationStatistics{}
	}

	sort.Float64s(durations)
	return DurationStatistics{
		Mean: time.Duration(floats.Sum(durations)/float64(len(durations))*1000) * time.Millisecond,
		Q50:  time.Duration(durations[len(durations)/2]*1000) * time.Millisecond,
		Q95:  time.Duration(durations[int(float32(len(durations))*0.95)]*1000) * time.Millisecond,
		Q99:  time.Duration(durations[int(float32(len(durations))*0.99)]*1000) * time.Millisecond,
		Max:  time.Duration(durations[len(durations)-1]*1000) * time.Millisecond,
	}
}

func (s DurationStatistics) String() string {
	return fmt.Sprintf("mean %s, median %s, q95 %s, q99 %s, max %s",
		FmtDurationHumanReadable(s.Mean),
		FmtDurationHumanReadable(s.Q50),
		FmtDurationHumanReadable(s.Q95),
		FmtDurationHumanReadable(s.Q99),
		FmtDurationHumanReadable(s.Max))
}

// FmtBytesHumanReadable takes an amount of bytes and returns them in a human
// readable form up to a unit of PiB.
func FmtBytesHumanReadable(bytes float32) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

	var unitIdx int
	for {
		if bytes <= 1024 || (unitIdx+1) > len(units)-1 {
			break
		}

		bytes = bytes / 1024
		unitIdx++
	}

	return fmt.Sprintf("%.2f %s", bytes, units[unitIdx])
}

// FmtDurationHumanReadable takes a duration and returns it in a human
// readable form: millisecond precision under a minute, second precision
// above.
func FmtDurationHumanReadable(d time.Duration) string {
	if d.Milliseconds() < 60000 {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
