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
	"syscall"

	"github.com/urpc/ltecho/internal/fdmap"
	"github.com/urpc/ltecho/internal/poller"
	"github.com/urpc/ltecho/internal/socket"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// errHangup is the close reason for a hangup notification without an error.
var errHangup = errors.New("ltecho: peer hung up")

// eventLoop owns every descriptor of a server. Each registered descriptor is
// either the listener (fdmap.StateListening) or a connection
// (fdmap.StateConnection); removal from conns is the deregistered state.
type eventLoop struct {
	srv      *Server
	poller   *poller.NetPoller
	listener *socket.Listener
	conns    *fdmap.Map[fdConn] // registry of every watched fd
	buffer   []byte             // read buffer shared by every read event
	stats    *Stats
	sink     *telemetrySink
	log      *zap.Logger
}

func (el *eventLoop) serve() error {
	defer el.shutdown()

	for {
		events, err := el.poller.Wait(-1)
		if nil != err {
			if errors.Is(err, poller.ErrClosed) {
				el.log.Info("event loop closed")
				return nil
			}
			el.log.Error("wait for events failed", zap.Error(err))
			return err
		}

		for _, event := range events {
			el.dispatch(event)
		}

		el.sink.tick(el.stats.Reads())
	}
}

func (el *eventLoop) dispatch(event poller.Event) {
	switch el.conns.State(event.Fd) {
	case fdmap.StateListening:
		el.accept()
	case fdmap.StateConnection:
		el.service(el.conns.Get(event.Fd), event.Flags)
	default:
		el.log.Debug("event for deregistered fd", zap.Int("fd", event.Fd), zap.Stringer("flags", event.Flags))
	}
}

func (el *eventLoop) service(fdc *fdConn, flags poller.Flags) {
	if flags.Has(poller.Hangup | poller.Error) {
		el.closeConn(fdc, fdc.socketError())
		return
	}

	if flags.Has(poller.Writable) && !fdc.flush() {
		return
	}

	if flags.Has(poller.Readable) {
		fdc.onRead()
	}
}

// closeConn deregisters fdc and closes its descriptor, in that order.
func (el *eventLoop) closeConn(fdc *fdConn, err error) {
	if !el.conns.Delete(fdc.fd) {
		return
	}

	if derr := el.poller.Del(fdc.fd); nil != derr {
		el.log.Warn("deregister failed", zap.Int("fd", fdc.fd), zap.Error(derr))
	}
	_ = unix.Close(fdc.fd)
	fdc.closed = true
	el.stats.closes.Inc(1)

	el.log.Info("connection closed",
		zap.Int("fd", fdc.fd),
		zap.Stringer("remote", fdc.remoteAddr),
		zap.NamedError("reason", err),
	)

	if onClose := el.srv.OnClose; nil != onClose {
		onClose(fdc, err)
	}
}

// shutdown closes every connection, the listener and the poller, then writes
// the final counter value.
func (el *eventLoop) shutdown() {
	for _, fdc := range el.conns.Range() {
		if nil != fdc {
			el.closeConn(fdc, ErrServerClosed)
		}
	}

	_ = el.poller.Del(el.listener.Fd)
	el.conns.Clear()
	_ = el.listener.Close()
	_ = el.poller.Release()

	el.sink.flush(el.stats.Reads())
	el.log.Info("event loop stopped", zap.Int64("reads", el.stats.Reads()))
}

func isTemporary(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}
