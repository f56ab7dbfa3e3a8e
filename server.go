//go:build linux

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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/urpc/ltecho/internal/fdmap"
	"github.com/urpc/ltecho/internal/poller"
	"github.com/urpc/ltecho/internal/socket"
	"go.uber.org/zap"
)

const (
	DefaultAddr          = ":8080"
	DefaultBufferSize    = 1024
	DefaultStatsInterval = time.Second
)

// ErrServerClosed is returned by Listen and Serve after Close.
var ErrServerClosed = errors.New("ltecho: server closed")

// Server is a single goroutine, level-triggered echo server. All hooks run on
// the goroutine calling Serve.
type Server struct {
	loop    *eventLoop // nil until Listen
	stats   *Stats     // read counters
	mux     sync.Mutex // guards loop, serving and closed
	serving bool       // Serve has been entered
	closed  bool       // Close has been called

	// Addr is the TCP listen address. The default value is ":8080".
	Addr string

	// Backlog is the length of the pending connection queue. Listen sets it
	// to the value applied. The default value is SOMAXCONN.
	Backlog int

	// ReusePort indicates whether to set up the SO_REUSEPORT socket option.
	// The default value is false.
	ReusePort bool

	// BufferSize is the capacity of the read buffer. One read takes at most
	// BufferSize-1 bytes. The default value is 1024.
	BufferSize int

	// MaxEvents is the number of readiness events fetched per wait.
	// The default value is 128.
	MaxEvents int

	// StatsFile is rewritten with the read counter at most once per
	// StatsInterval. Empty disables it.
	StatsFile string

	// StatsInterval is the minimum time between two StatsFile writes.
	// The default value is one second.
	StatsInterval time.Duration

	// Logger receives the loop's log output. The default discards everything.
	Logger *zap.Logger

	// OnOpen fires when a new connection has been registered.
	OnOpen func(c Conn)

	// OnData fires with the bytes of every non-empty read, before they are
	// echoed. data is only valid during the call and must not be modified.
	OnData func(c Conn, data []byte)

	// OnClose fires when a connection has been deregistered and closed.
	OnClose func(c Conn, err error)
}

// Listen binds the listening endpoint and registers it with a new poller.
// Any error here is a startup failure.
func (s *Server) Listen() (err error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if nil != s.loop {
		return nil
	}

	s.initConfig()

	if s.loop, err = newEventLoop(s); nil != err {
		return err
	}
	s.Backlog = s.loop.listener.Backlog

	s.Logger.Info("server listening",
		zap.Stringer("addr", s.loop.listener.Addr),
		zap.Int("backlog", s.loop.listener.Backlog),
	)
	return nil
}

// Serve runs the event loop until Close is called or waiting for readiness
// fails. It calls Listen first if needed. After Close it returns nil.
func (s *Server) Serve() error {
	if err := s.Listen(); nil != err {
		return err
	}

	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return ErrServerClosed
	}
	if s.serving {
		s.mux.Unlock()
		return errors.New("ltecho: server already serving")
	}
	s.serving = true
	loop := s.loop
	s.mux.Unlock()

	if err := loop.serve(); nil != err {
		return fmt.Errorf("ltecho: event loop: %w", err)
	}
	return nil
}

// Close stops the event loop. Connections and the listener are closed by the
// loop goroutine before Serve returns. It is safe to call from any goroutine.
func (s *Server) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if nil == s.loop {
		return nil
	}

	if !s.serving {
		s.loop.shutdown()
		return nil
	}
	return s.loop.poller.Close()
}

// ListenAddr returns the bound address, nil before Listen.
func (s *Server) ListenAddr() net.Addr {
	s.mux.Lock()
	defer s.mux.Unlock()

	if nil == s.loop {
		return nil
	}
	return s.loop.listener.Addr
}

// Stats returns the server counters.
func (s *Server) Stats() *Stats {
	s.mux.Lock()
	defer s.mux.Unlock()

	if nil == s.stats {
		s.stats = NewStats()
	}
	return s.stats
}

func (s *Server) initConfig() {

	if "" == s.Addr {
		s.Addr = DefaultAddr
	}

	if s.BufferSize <= 1 {
		s.BufferSize = DefaultBufferSize
	}

	if s.MaxEvents <= 0 {
		s.MaxEvents = poller.DefaultMaxEvents
	}

	if s.StatsInterval <= 0 {
		s.StatsInterval = DefaultStatsInterval
	}

	if nil == s.Logger {
		s.Logger = zap.NewNop()
	}

	if nil == s.stats {
		s.stats = NewStats()
	}
}

func newEventLoop(s *Server) (*eventLoop, error) {
	p, err := poller.NewNetPoller(s.MaxEvents)
	if nil != err {
		return nil, fmt.Errorf("ltecho: create poller: %w", err)
	}

	l, err := socket.Listen(s.Addr, s.Backlog, s.ReusePort)
	if nil != err {
		_ = p.Release()
		return nil, fmt.Errorf("ltecho: listen %s: %w", s.Addr, err)
	}

	if err = p.AddRead(l.Fd); nil != err {
		_ = l.Close()
		_ = p.Release()
		return nil, fmt.Errorf("ltecho: register listener: %w", err)
	}

	el := &eventLoop{
		srv:      s,
		poller:   p,
		listener: l,
		conns:    fdmap.NewMap[fdConn](0),
		buffer:   make([]byte, s.BufferSize),
		stats:    s.stats,
		sink:     newTelemetrySink(s.StatsFile, s.StatsInterval),
		log:      s.Logger,
	}
	el.conns.Put(l.Fd, fdmap.StateListening, nil)
	return el, nil
}
