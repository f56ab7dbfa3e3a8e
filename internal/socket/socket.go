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
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// SockaddrToAddr returns a go/net friendly address for a TCP peer.
func SockaddrToAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{
			IP:   append([]byte{}, sa.Addr[:]...), // copy
			Port: sa.Port,
		}
	case *unix.SockaddrInet6:
		var zone string
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				zone = ifi.Name
			}
		}
		return &net.TCPAddr{
			IP:   append([]byte{}, sa.Addr[:]...), // copy
			Port: sa.Port,
			Zone: zone,
		}
	}
	return nil
}

type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// DupFd duplicates the descriptor behind a net.Listener or net.Conn. The copy
// is close-on-exec and owned by the caller.
func DupFd(c any) (int, error) {
	sc, ok := c.(syscallConner)
	if !ok {
		return -1, errors.New("RawConn Unsupported")
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, errors.New("RawConn Unsupported")
	}

	var newFd int
	errCtrl := rc.Control(func(fd uintptr) {
		newFd, err = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	})

	if errCtrl != nil {
		return -1, errCtrl
	}

	if err != nil {
		return -1, err
	}

	return newFd, nil
}
