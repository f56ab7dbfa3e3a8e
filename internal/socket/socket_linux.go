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

package socket

import (
	"context"
	"net"
	"os"
	"syscall"

	"github.com/libp2p/go-reuseport"
	"golang.org/x/sys/unix"
)

// Listener is a bound, listening, non-blocking TCP endpoint. It is detached
// from the Go runtime poller and owned by whoever drives Fd.
type Listener struct {
	Fd      int          // listening fd
	Addr    *net.TCPAddr // bound address
	Backlog int          // accept queue length
}

// Listen binds addr with SO_REUSEADDR (plus SO_REUSEPORT when reusePort is
// set) and applies backlog, which defaults to SOMAXCONN.
func Listen(addr string, backlog int, reusePort bool) (*Listener, error) {
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			if reusePort {
				return reuseport.Control(network, address, c)
			}
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); nil != err {
				return err
			}
			return os.NewSyscallError("setsockopt", serr)
		},
	}

	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if nil != err {
		return nil, err
	}
	// the duplicate keeps the socket open once ln is gone.
	defer ln.Close()

	fd, err := DupFd(ln)
	if nil != err {
		return nil, err
	}

	l := &Listener{
		Fd:      fd,
		Addr:    ln.Addr().(*net.TCPAddr),
		Backlog: backlog,
	}

	if err = unix.Listen(fd, backlog); nil != err {
		_ = l.Close()
		return nil, os.NewSyscallError("listen", err)
	}

	if err = unix.SetNonblock(fd, true); nil != err {
		_ = l.Close()
		return nil, os.NewSyscallError("setnonblock", err)
	}

	return l, nil
}

func (l *Listener) Close() error {
	if l.Fd < 0 {
		return nil
	}
	err := unix.Close(l.Fd)
	l.Fd = -1
	return err
}

// SetNoDelay toggles Nagle's algorithm.
func SetNoDelay(fd int, nodelay bool) error {
	var op = 0
	if nodelay {
		op = 1
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, op))
}

// SetKeepAlivePeriod sets period between keep-alives.
func SetKeepAlivePeriod(fd int, secs int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs); nil != err {
		return os.NewSyscallError("setsockopt", err)
	}
	return nil
}

// SetRecvBuffer sets the size of the kernel receive buffer.
func SetRecvBuffer(fd, size int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size))
}

// SetSendBuffer sets the size of the kernel send buffer.
func SetSendBuffer(fd, size int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size))
}
