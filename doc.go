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

// Package ltecho is a single goroutine TCP echo server driven by a
// level-triggered epoll loop.
//
// One Serve call owns every descriptor: it waits for readiness, accepts at
// most one connection per listener notification, performs one bounded read
// per readable connection and writes the bytes straight back. A connection
// whose read returns zero bytes or fails is deregistered and closed; any
// other connection is left alone. The number of read attempts is kept in
// Stats and, when StatsFile is set, written to that file at most once per
// StatsInterval.
package ltecho
