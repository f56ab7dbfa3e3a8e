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
	"net"
	"os"

	"github.com/urpc/ltecho/internal/fdmap"
	"github.com/urpc/ltecho/internal/socket"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// accept takes exactly one pending connection. Under a burst the listener
// stays readable and the next wait reports it again.
func (el *eventLoop) accept() {
	nfd, sa, err := unix.Accept(el.listener.Fd)
	if nil != err {
		if isTemporary(err) {
			el.log.Debug("no pending connection", zap.Error(err))
		} else {
			el.log.Warn("accept failed", zap.Error(os.NewSyscallError("accept", err)))
		}
		return
	}

	if err = unix.SetNonblock(nfd, true); nil != err {
		el.log.Warn("set nonblock failed", zap.Int("fd", nfd), zap.Error(err))
		_ = unix.Close(nfd)
		return
	}

	fdc := &fdConn{
		fd:         nfd,
		loop:       el,
		localAddr:  el.localAddr(nfd),
		remoteAddr: tcpAddrOrUnknown(socket.SockaddrToAddr(sa)),
	}

	if err = el.poller.AddRead(nfd); nil != err {
		el.log.Warn("register connection failed",
			zap.Int("fd", nfd),
			zap.Stringer("remote", fdc.remoteAddr),
			zap.Error(err),
		)
		_ = unix.Close(nfd)
		return
	}
	el.conns.Put(nfd, fdmap.StateConnection, fdc)
	el.stats.accepts.Inc(1)

	remote := fdc.remoteAddr.(*net.TCPAddr)
	el.log.Info("new connection",
		zap.Int("fd", nfd),
		zap.Stringer("ip", remote.IP),
		zap.Int("port", remote.Port),
	)

	if onOpen := el.srv.OnOpen; nil != onOpen {
		onOpen(fdc)
	}
}

func (el *eventLoop) localAddr(fd int) net.Addr {
	if sa, err := unix.Getsockname(fd); nil == err {
		if addr := socket.SockaddrToAddr(sa); nil != addr {
			return addr
		}
	}
	return el.listener.Addr
}

func tcpAddrOrUnknown(addr *net.TCPAddr) net.Addr {
	if nil == addr {
		return &net.TCPAddr{}
	}
	return addr
}
