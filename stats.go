/*
 * Copyright 2024 the urpc project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ltecho

import (
	"strconv"

	metrics "github.com/rcrowley/go-metrics"
)

// Stats holds the loop's counters. The event loop is the only writer; the
// getters may be called from any goroutine.
type Stats struct {
	registry     metrics.Registry
	reads        metrics.Counter // read attempts, failed and zero-length ones included
	accepts      metrics.Counter // accepted connections
	closes       metrics.Counter // torn down connections
	bytesRead    metrics.Counter
	bytesWritten metrics.Counter
}

func NewStats() *Stats {
	r := metrics.NewRegistry()
	return &Stats{
		registry:     r,
		reads:        metrics.NewRegisteredCounter("reads", r),
		accepts:      metrics.NewRegisteredCounter("accepts", r),
		closes:       metrics.NewRegisteredCounter("closes", r),
		bytesRead:    metrics.NewRegisteredCounter("bytes.read", r),
		bytesWritten: metrics.NewRegisteredCounter("bytes.written", r),
	}
}

// Reads returns the number of read attempts made so far.
func (s *Stats) Reads() int64        { return s.reads.Count() }
func (s *Stats) Accepts() int64      { return s.accepts.Count() }
func (s *Stats) Closes() int64       { return s.closes.Count() }
func (s *Stats) BytesRead() int64    { return s.bytesRead.Count() }
func (s *Stats) BytesWritten() int64 { return s.bytesWritten.Count() }

// Snapshot returns every counter keyed by its registry name.
func (s *Stats) Snapshot() map[string]int64 {
	out := make(map[string]int64, 5)
	s.registry.Each(func(name string, i interface{}) {
		if c, ok := i.(metrics.Counter); ok {
			out[name] = c.Count()
		}
	})
	return out
}

func (s *Stats) String() string {
	return "reads=" + strconv.FormatInt(s.Reads(), 10) +
		" accepts=" + strconv.FormatInt(s.Accepts(), 10) +
		" closes=" + strconv.FormatInt(s.Closes(), 10)
}
