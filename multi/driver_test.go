package multi

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/gfetch/internal/log"
)

type sockCall struct {
	fd   int
	what Poll
}

// pollDriver 用 poll(2) 在测试 goroutine 上同步驱动 Multi
type pollDriver struct {
	m *Multi

	what      map[int]Poll
	sockCalls []sockCall
	timers    []time.Duration
	armed     bool
	deadline  time.Time
}

func newDriver(t *testing.T, cfg Config) *pollDriver {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = log.NewTest(t)
	}
	d := &pollDriver{what: make(map[int]Poll)}
	m, err := New(cfg, d)
	require.NoError(t, err)
	d.m = m
	t.Cleanup(func() { m.Close() })
	return d
}

func (d *pollDriver) OnSocket(h *Handle, fd int, what Poll, data any) any {
	d.sockCalls = append(d.sockCalls, sockCall{fd: fd, what: what})
	if what == PollRemove {
		delete(d.what, fd)
		return nil
	}
	d.what[fd] = what
	return fd
}

func (d *pollDriver) OnTimer(timeout time.Duration) {
	d.timers = append(d.timers, timeout)
	if timeout == NoTimeout {
		d.armed = false
		return
	}
	d.armed = true
	d.deadline = time.Now().Add(timeout)
}

// run 驱动到没有进行中的传输，返回所有完成通知
func (d *pollDriver) run(t *testing.T, limit time.Duration) []Message {
	t.Helper()
	until := time.Now().Add(limit)
	var msgs []Message
	for d.m.Running() > 0 {
		require.True(t, time.Now().Before(until), "transfers still running")
		d.once(t, 20*time.Millisecond)
		msgs = append(msgs, d.drain()...)
	}
	return append(msgs, d.drain()...)
}

func (d *pollDriver) once(t *testing.T, maxWait time.Duration) {
	fds := make([]unix.PollFd, 0, len(d.what))
	for fd, w := range d.what {
		var ev int16
		if w&PollIn != 0 {
			ev |= unix.POLLIN
		}
		if w&PollOut != 0 {
			ev |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}
	wait := maxWait
	if d.armed {
		if until := time.Until(d.deadline); until < wait {
			wait = until
		}
	}
	if wait < 0 {
		wait = 0
	}
	ms := int((wait + time.Millisecond - 1) / time.Millisecond)
	_, err := unix.Poll(fds, ms)
	if err == unix.EINTR {
		return
	}
	require.NoError(t, err)
	for _, p := range fds {
		if p.Revents == 0 {
			continue
		}
		var sel Select
		if p.Revents&unix.POLLIN != 0 {
			sel |= CSelectIn
		}
		if p.Revents&unix.POLLOUT != 0 {
			sel |= CSelectOut
		}
		if p.Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			sel |= CSelectErr
		}
		d.m.SocketAction(int(p.Fd), sel)
	}
	if d.armed && !time.Now().Before(d.deadline) {
		d.armed = false
		d.m.SocketAction(SocketTimeout, 0)
	}
}

func (d *pollDriver) drain() []Message {
	var msgs []Message
	for {
		msg, _, ok := d.m.InfoRead()
		if !ok {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

// fetch 为单个 URL 创建并加入句柄
func (d *pollDriver) fetch(t *testing.T, url string, setup ...func(h *Handle)) (*Handle, *bytes.Buffer, *ErrorBuffer) {
	t.Helper()
	h, err := d.m.NewHandle()
	require.NoError(t, err)
	body := &bytes.Buffer{}
	errBuf := &ErrorBuffer{}
	h.SetURL(url)
	h.SetWriter(body)
	h.SetErrorBuffer(errBuf)
	for _, fn := range setup {
		fn(h)
	}
	require.Equal(t, OK, d.m.Add(h))
	return h, body, errBuf
}

// rawServer 每个连接交给 fn 处理
func rawServer(t *testing.T, fn func(c net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				fn(c)
			}()
		}
	}()
	return "http://" + ln.Addr().String()
}

// readRequest 读取请求头
func readRequest(c net.Conn) []byte {
	var buf []byte
	tmp := make([]byte, 1024)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !bytes.Contains(buf, headerEnd) {
		n, err := c.Read(tmp)
		if err != nil {
			return buf
		}
		buf = append(buf, tmp[:n]...)
	}
	return buf
}

type stubResolver struct {
	addrs []netip.Addr
	err   error
	calls atomic.Int32
}

func (r *stubResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	r.calls.Add(1)
	return r.addrs, r.err
}

var errStub = errors.New("stub failure")
