//go:build !windows

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

// Package fdmap is the descriptor registry of the event loop: a table indexed
// by file descriptor recording what each registered descriptor is.
//
// A Map has a single owner goroutine and does no locking.
package fdmap

import (
	"iter"
	"syscall"
)

// MaxOpenFiles bounds the initial table size, it follows RLIMIT_NOFILE.
var MaxOpenFiles = 1_000_000

func init() {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err == nil {
		if n := int(limit.Cur); n > 0 && n < MaxOpenFiles {
			MaxOpenFiles = n
		}
	}
}

// State is the registration state of a descriptor.
type State uint8

const (
	StateNone       State = iota // deregistered or never registered
	StateListening               // the listening endpoint
	StateConnection              // an accepted connection
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateConnection:
		return "connection"
	default:
		return "deregistered"
	}
}

type entry[V any] struct {
	state State
	val   *V
}

type Map[V any] struct {
	store []entry[V]
	size  int
}

// NewMap returns an empty table pre-sized for descriptors below hint.
func NewMap[V any](hint int) *Map[V] {
	if hint <= 0 || hint > MaxOpenFiles {
		hint = min(1024, MaxOpenFiles)
	}
	return &Map[V]{
		store: make([]entry[V], hint),
	}
}

// Put registers fd with the given state, replacing any previous entry.
func (m *Map[V]) Put(fd int, state State, v *V) {
	if fd >= len(m.store) {
		m.grow(fd)
	}
	if StateNone == m.store[fd].state {
		m.size++
	}
	m.store[fd] = entry[V]{state: state, val: v}
}

func (m *Map[V]) Get(fd int) *V {
	if fd < 0 || fd >= len(m.store) {
		return nil
	}
	return m.store[fd].val
}

func (m *Map[V]) State(fd int) State {
	if fd < 0 || fd >= len(m.store) {
		return StateNone
	}
	return m.store[fd].state
}

// Delete deregisters fd and reports whether it was registered.
func (m *Map[V]) Delete(fd int) bool {
	if StateNone == m.State(fd) {
		return false
	}
	m.store[fd] = entry[V]{}
	m.size--
	return true
}

// Len returns the number of registered descriptors.
func (m *Map[V]) Len() int {
	return m.size
}

// Range yields registered descriptors in ascending order. Deleting the
// yielded descriptor during iteration is allowed.
func (m *Map[V]) Range() iter.Seq2[int, *V] {
	return func(yield func(int, *V) bool) {
		for fd := 0; fd < len(m.store); fd++ {
			if StateNone != m.store[fd].state && !yield(fd, m.store[fd].val) {
				return
			}
		}
	}
}

func (m *Map[V]) Clear() {
	clear(m.store)
	m.size = 0
}

func (m *Map[V]) grow(fd int) {
	n := max(2*len(m.store), fd+1)
	store := make([]entry[V], n)
	copy(store, m.store)
	m.store = store
}
