//go:build linux

package poller

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	efd    int
	wfd    int // eventfd for wakeup
	raw    []unix.EpollEvent
	closed atomic.Bool
}

func New() (Poller, error) {
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(efd)
		return nil, err
	}
	p := &epollPoller{efd: efd, wfd: wfd}
	// 唤醒 fd 使用边缘触发，其余 fd 均为水平触发
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wfd)}
	if err := unix.EpollCtl(efd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(efd)
		return nil, err
	}
	return p, nil
}

func (p *epollPoller) Register(fd FD, readable, writable bool) error {
	if p.closed.Load() {
		return ErrClosed
	}
	var flag uint32
	if readable {
		flag |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if writable {
		flag |= unix.EPOLLOUT
	}
	ev := &unix.EpollEvent{Events: flag, Fd: int32(fd)}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *epollPoller) Unregister(fd FD) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wake() error {
	if p.closed.Load() {
		return ErrClosed
	}
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wfd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	unix.Close(p.wfd)
	return unix.Close(p.efd)
}

func (p *epollPoller) Wait(events []Ready, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]
	n, err := unix.EpollWait(p.efd, raw, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	out := 0
	var efdBuf [8]byte
	for i := 0; i < n; i++ {
		ev := raw[i]
		fd := int(ev.Fd)
		if fd == p.wfd {
			// 清空 eventfd
			for {
				_, rerr := unix.Read(p.wfd, efdBuf[:])
				if rerr != nil {
					break
				}
			}
			continue
		}
		var e Event
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			e |= EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			e |= EventWrite
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			e |= EventError
		}
		events[out] = Ready{FD: fd, Events: e}
		out++
	}
	return out, nil
}
