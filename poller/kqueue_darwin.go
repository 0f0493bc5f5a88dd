//go:build darwin

package poller

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	kq     int
	wfd    int // 写端，用于唤醒
	rfd    int // 读端，注册到 kqueue
	raw    []unix.Kevent_t
	closed atomic.Bool
}

func New() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	// 使用管道作为唤醒
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		unix.Close(kq)
		return nil, err
	}
	rfd, wfd := p[0], p[1]
	_ = unix.SetNonblock(rfd, true)
	_ = unix.SetNonblock(wfd, true)
	unix.CloseOnExec(rfd)
	unix.CloseOnExec(wfd)
	kev := unix.Kevent_t{
		Ident:  uint64(rfd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	_, err = unix.Kevent(kq, []unix.Kevent_t{kev}, nil, nil)
	if err != nil {
		unix.Close(rfd)
		unix.Close(wfd)
		unix.Close(kq)
		return nil, err
	}
	return &kqueuePoller{kq: kq, wfd: wfd, rfd: rfd}, nil
}

func (p *kqueuePoller) Register(fd FD, readable, writable bool) error {
	if p.closed.Load() {
		return ErrClosed
	}
	var changes []unix.Kevent_t
	if readable {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD})
	}
	if writable {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Unregister(fd FD) error {
	if p.closed.Load() {
		return ErrClosed
	}
	// 两个过滤器逐个删除，未注册的过滤器返回 ENOENT，忽略
	for _, f := range []int16{unix.EVFILT_READ, unix.EVFILT_WRITE} {
		ch := []unix.Kevent_t{{Ident: uint64(fd), Filter: f, Flags: unix.EV_DELETE}}
		if _, err := unix.Kevent(p.kq, ch, nil, nil); err != nil && err != unix.ENOENT {
			return err
		}
	}
	return nil
}

func (p *kqueuePoller) Wake() error {
	if p.closed.Load() {
		return ErrClosed
	}
	var b [1]byte
	b[0] = 1
	_, err := unix.Write(p.wfd, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *kqueuePoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	unix.Close(p.rfd)
	unix.Close(p.wfd)
	return unix.Close(p.kq)
}

func (p *kqueuePoller) Wait(events []Ready, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.Kevent_t, len(events))
	}
	raw := p.raw[:len(events)]
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	buf := make([]byte, 16)
	out := 0
	for i := 0; i < n; i++ {
		ev := raw[i]
		fd := int(ev.Ident)
		if fd == p.rfd {
			for {
				if _, rerr := unix.Read(p.rfd, buf); rerr != nil {
					break
				}
			}
			continue
		}
		var e Event
		switch ev.Filter {
		case unix.EVFILT_READ:
			e = EventRead
		case unix.EVFILT_WRITE:
			e = EventWrite
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			e |= EventError
		}
		// 同一 fd 的读写过滤器分别上报，这里合并
		merged := false
		for j := 0; j < out; j++ {
			if events[j].FD == fd {
				events[j].Events |= e
				merged = true
				break
			}
		}
		if !merged {
			events[out] = Ready{FD: fd, Events: e}
			out++
		}
	}
	return out, nil
}
