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
	"io"
	"net"
	"os"
	"syscall"

	"github.com/eapache/queue"
	"github.com/urpc/ltecho/internal/socket"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Conn is the hook-side view of an accepted connection. Its methods must only
// be called from the server hooks.
type Conn interface {
	// Fd returns the connection's file descriptor.
	Fd() int

	// LocalAddr is the connection's local socket address.
	LocalAddr() net.Addr

	// RemoteAddr is the connection's remote address.
	RemoteAddr() net.Addr

	// Context returns a user-defined context.
	Context() interface{}

	// SetContext sets a user-defined context.
	SetContext(ctx interface{})

	// SetNoDelay controls whether the operating system should delay
	// packet transmission in hopes of sending fewer packets (Nagle's
	// algorithm).
	SetNoDelay(nodelay bool) error

	// SetKeepAlivePeriod tells operating system to send keep-alive messages on the connection
	// and sets period between TCP keep-alive probes.
	SetKeepAlivePeriod(secs int) error

	// SetReadBuffer sets the size of the operating system's
	// receive buffer associated with the connection.
	SetReadBuffer(size int) error

	// SetWriteBuffer sets the size of the operating system's
	// transmit buffer associated with the connection.
	SetWriteBuffer(size int) error

	// AvailableWriteBytes returns the number of echo bytes still queued for sending.
	AvailableWriteBytes() int

	// Close deregisters and closes the connection.
	io.Closer
}

type fdConn struct {
	fd         int          // connection fd
	localAddr  net.Addr     // local address
	remoteAddr net.Addr     // remote address
	loop       *eventLoop   // owner loop
	closed     bool         // closed flag
	ctx        interface{}  // user-defined data
	outbound   *queue.Queue // unsent echo chunks, nil until the first short write
	headOff    int          // bytes of the head chunk already sent
	pending    int          // total queued bytes
}

func (fc *fdConn) Fd() int                    { return fc.fd }
func (fc *fdConn) LocalAddr() net.Addr        { return fc.localAddr }
func (fc *fdConn) RemoteAddr() net.Addr       { return fc.remoteAddr }
func (fc *fdConn) Context() interface{}       { return fc.ctx }
func (fc *fdConn) SetContext(ctx interface{}) { fc.ctx = ctx }
func (fc *fdConn) AvailableWriteBytes() int   { return fc.pending }

func (fc *fdConn) SetNoDelay(nodelay bool) error {
	if fc.closed {
		return net.ErrClosed
	}
	return socket.SetNoDelay(fc.fd, nodelay)
}

func (fc *fdConn) SetKeepAlivePeriod(secs int) error {
	if fc.closed {
		return net.ErrClosed
	}
	return socket.SetKeepAlivePeriod(fc.fd, secs)
}

func (fc *fdConn) SetReadBuffer(size int) error {
	if fc.closed {
		return net.ErrClosed
	}
	return socket.SetRecvBuffer(fc.fd, size)
}

func (fc *fdConn) SetWriteBuffer(size int) error {
	if fc.closed {
		return net.ErrClosed
	}
	return socket.SetSendBuffer(fc.fd, size)
}

func (fc *fdConn) Close() error {
	if fc.closed {
		return nil
	}
	fc.loop.closeConn(fc, net.ErrClosed)
	return nil
}

// onRead performs exactly one bounded read. Zero bytes or a hard error end
// the connection; anything read is handed to OnData and echoed back.
func (fc *fdConn) onRead() {
	el := fc.loop

	// keep the last byte for the terminating NUL.
	buffer := el.buffer
	n, err := unix.Read(fc.fd, buffer[:len(buffer)-1])
	el.stats.reads.Inc(1)

	switch {
	case nil != err:
		if isTemporary(err) {
			return
		}
		el.closeConn(fc, os.NewSyscallError("read", err))
	case 0 == n:
		// remote closed
		el.closeConn(fc, io.EOF)
	default:
		buffer[n] = 0
		data := buffer[:n]
		el.stats.bytesRead.Inc(int64(n))

		if ce := el.log.Check(zap.DebugLevel, "received"); nil != ce {
			ce.Write(zap.Int("fd", fc.fd), zap.Int("len", n), zap.ByteString("data", data))
		}

		if onData := el.srv.OnData; nil != onData {
			onData(fc, data)
			if fc.closed {
				return
			}
		}

		fc.echo(data)
	}
}

// echo writes data back. Whatever the socket does not take right away is
// queued and read interest is swapped for write interest until the queue
// drains, so at most one read worth of bytes is ever queued.
func (fc *fdConn) echo(data []byte) {
	el := fc.loop

	if fc.pending > 0 {
		fc.enqueue(data)
		return
	}

	sent, err := unix.Write(fc.fd, data)
	if nil != err {
		if !isTemporary(err) {
			el.closeConn(fc, os.NewSyscallError("write", err))
			return
		}
		sent = 0
	}
	el.stats.bytesWritten.Inc(int64(sent))

	if sent < len(data) {
		fc.enqueue(data[sent:])
		if err = el.poller.ModWrite(fc.fd); nil != err {
			el.closeConn(fc, err)
		}
	}
}

// flush sends queued bytes and restores read interest once nothing is left.
// It reports false when the connection was closed.
func (fc *fdConn) flush() bool {
	el := fc.loop

	for nil != fc.outbound && fc.outbound.Length() > 0 {
		chunk := fc.outbound.Peek().([]byte)[fc.headOff:]

		sent, err := unix.Write(fc.fd, chunk)
		if nil != err {
			if isTemporary(err) {
				return true
			}
			el.closeConn(fc, os.NewSyscallError("write", err))
			return false
		}
		el.stats.bytesWritten.Inc(int64(sent))
		fc.pending -= sent

		if sent < len(chunk) {
			fc.headOff += sent
			return true
		}
		fc.outbound.Remove()
		fc.headOff = 0
	}

	if err := el.poller.ModRead(fc.fd); nil != err {
		el.closeConn(fc, err)
		return false
	}
	return true
}

func (fc *fdConn) enqueue(data []byte) {
	if nil == fc.outbound {
		fc.outbound = queue.New()
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	fc.outbound.Add(chunk)
	fc.pending += len(chunk)
}

// socketError returns the pending SO_ERROR of the socket, or errHangup.
func (fc *fdConn) socketError() error {
	if errno, err := unix.GetsockoptInt(fc.fd, unix.SOL_SOCKET, unix.SO_ERROR); nil == err && 0 != errno {
		return os.NewSyscallError("read", syscall.Errno(errno))
	}
	return errHangup
}
