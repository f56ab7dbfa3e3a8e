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

// Package poller wraps the readiness multiplexer used by the event loop.
//
// Registrations are level-triggered: a descriptor that still has unread input
// is reported again by every Wait until it is drained or removed.
package poller

import (
	"errors"
	"strings"
)

// DefaultMaxEvents is the number of readiness events fetched by one Wait call.
const DefaultMaxEvents = 128

// ErrClosed is returned by Wait once Close has been called.
var ErrClosed = errors.New("poller: closed")

// Flags describes the readiness condition reported for a descriptor.
type Flags uint32

const (
	Readable Flags = 1 << iota // input pending
	Writable                   // output space available
	Hangup                     // peer hung up or reset
	Error                      // error condition on the descriptor
)

// Has reports whether any bit of v is set in f.
func (f Flags) Has(v Flags) bool {
	return 0 != f&v
}

func (f Flags) String() string {
	if 0 == f {
		return "none"
	}

	var parts []string
	for _, flag := range []struct {
		bit  Flags
		name string
	}{
		{Readable, "readable"},
		{Writable, "writable"},
		{Hangup, "hangup"},
		{Error, "error"},
	} {
		if f.Has(flag.bit) {
			parts = append(parts, flag.name)
		}
	}
	return strings.Join(parts, "|")
}

// Event is one readiness notification. It is only valid until the next Wait.
type Event struct {
	Fd    int
	Flags Flags
}
