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

package poller

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	readEvents   = unix.EPOLLIN
	writeEvents  = unix.EPOLLOUT
	hangupEvents = unix.EPOLLHUP | unix.EPOLLRDHUP
	errorEvents  = unix.EPOLLERR
)

// NetPoller is a level-triggered epoll instance. Wait, the registration
// methods and Release belong to the goroutine running the loop; only Close
// may be called from elsewhere.
type NetPoller struct {
	epfd   int               // epoll fd
	wakefd int               // eventfd interrupting Wait on Close
	closed int32             // close flag
	mux    sync.Mutex        // orders Close against Release
	events []unix.EpollEvent // raw wait buffer
	ready  []Event           // translated batch handed to the caller
}

func NewNetPoller(maxEvents int) (*NetPoller, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if nil != err {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if nil != err {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	ev := &NetPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents),
		ready:  make([]Event, 0, maxEvents),
	}

	if err = ev.ctl(unix.EPOLL_CTL_ADD, wakefd, readEvents); nil != err {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return ev, nil
}

// AddRead starts watching fd for input. Hangup and error conditions are
// always reported by the kernel and need no explicit interest.
func (ev *NetPoller) AddRead(fd int) error {
	return ev.ctl(unix.EPOLL_CTL_ADD, fd, readEvents)
}

func (ev *NetPoller) ModRead(fd int) error {
	return ev.ctl(unix.EPOLL_CTL_MOD, fd, readEvents)
}

func (ev *NetPoller) ModWrite(fd int) error {
	return ev.ctl(unix.EPOLL_CTL_MOD, fd, writeEvents)
}

// Del stops watching fd. It must be called before fd is closed.
func (ev *NetPoller) Del(fd int) error {
	if err := unix.EpollCtl(ev.epfd, unix.EPOLL_CTL_DEL, fd, nil); nil != err {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// Wait blocks until at least one registered descriptor is ready or timeout
// milliseconds pass (-1 blocks forever). An interrupted wait yields an empty
// batch and no error; the caller simply waits again.
func (ev *NetPoller) Wait(timeout int) ([]Event, error) {
	if 0 != atomic.LoadInt32(&ev.closed) {
		return nil, ErrClosed
	}

	n, err := unix.EpollWait(ev.epfd, ev.events, timeout)
	if nil != err {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		if 0 != atomic.LoadInt32(&ev.closed) {
			return nil, ErrClosed
		}
		return nil, os.NewSyscallError("epoll_wait", err)
	}

	ev.ready = ev.ready[:0]
	for _, event := range ev.events[:n] {
		fd := int(event.Fd)
		if fd == ev.wakefd {
			ev.drainWake()
			if 0 != atomic.LoadInt32(&ev.closed) {
				return nil, ErrClosed
			}
			continue
		}
		ev.ready = append(ev.ready, Event{Fd: fd, Flags: translate(event.Events)})
	}
	return ev.ready, nil
}

// Close makes the current or next Wait return ErrClosed. It is safe to call
// from any goroutine and more than once.
func (ev *NetPoller) Close() error {
	ev.mux.Lock()
	defer ev.mux.Unlock()

	if !atomic.CompareAndSwapInt32(&ev.closed, 0, 1) {
		return nil
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(ev.wakefd, buf[:]); nil != err && !errors.Is(err, unix.EAGAIN) {
		return os.NewSyscallError("write", err)
	}
	return nil
}

// Release closes the epoll and wake-up descriptors once the last Wait has
// returned. Later calls do nothing.
func (ev *NetPoller) Release() error {
	ev.mux.Lock()
	defer ev.mux.Unlock()

	atomic.StoreInt32(&ev.closed, 1)
	if ev.epfd < 0 {
		return nil
	}

	err := unix.Close(ev.wakefd)
	if cerr := unix.Close(ev.epfd); nil == err {
		err = cerr
	}
	ev.epfd, ev.wakefd = -1, -1
	return err
}

func (ev *NetPoller) ctl(op int, fd int, events uint32) error {
	err := unix.EpollCtl(
		ev.epfd,
		op,
		fd,
		&unix.EpollEvent{
			Fd:     int32(fd),
			Events: events,
		},
	)
	if nil != err {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (ev *NetPoller) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(ev.wakefd, buf[:])
}

func translate(events uint32) (flags Flags) {
	if 0 != events&readEvents {
		flags |= Readable
	}
	if 0 != events&writeEvents {
		flags |= Writable
	}
	if 0 != events&hangupEvents {
		flags |= Hangup
	}
	if 0 != events&errorEvents {
		flags |= Error
	}
	return
}
