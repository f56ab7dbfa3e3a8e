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
	"os"
	"strconv"
	"time"
)

// telemetrySink rewrites a file with the read counter, at most once per
// interval. It is best effort: failures are dropped and retried on the next
// tick.
type telemetrySink struct {
	path        string
	interval    time.Duration
	lastPersist time.Time // time of the last successful write
	lastCount   int64     // value of the last successful write
	now         func() time.Time
	sleep       func(time.Duration)
}

func newTelemetrySink(path string, interval time.Duration) *telemetrySink {
	return &telemetrySink{
		path:     path,
		interval: interval,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// tick persists count if the interval has elapsed since the last successful
// persist.
func (ts *telemetrySink) tick(count int64) {
	if "" == ts.path {
		return
	}

	now := ts.now()
	if now.Sub(ts.lastPersist) < ts.interval {
		return
	}

	if nil == ts.persist(count) {
		ts.lastPersist, ts.lastCount = now, count
	}
}

// flush persists count once more before the sink is dropped. It waits out
// the rest of the current interval and skips the write when the file
// already holds count.
func (ts *telemetrySink) flush(count int64) {
	if "" == ts.path {
		return
	}
	if !ts.lastPersist.IsZero() && count == ts.lastCount {
		return
	}

	if wait := ts.interval - ts.now().Sub(ts.lastPersist); wait > 0 {
		ts.sleep(wait)
	}
	ts.tick(count)
}

func (ts *telemetrySink) persist(count int64) error {
	line := strconv.AppendInt(make([]byte, 0, 24), count, 10)
	return os.WriteFile(ts.path, append(line, '\n'), 0o644)
}
