package multi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httputil"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/legamerdc/gfetch/internal/netutil"
	"github.com/legamerdc/gfetch/internal/ring"
)

const (
	// progressInterval 传输进行中调用进度函数的最长间隔
	progressInterval = time.Second
	// maxReadsPerStep 单次推进最多读取的次数，剩余数据由下一轮就绪事件处理
	maxReadsPerStep = 16
)

type state uint8

const (
	stateInit state = iota
	stateConnect
	stateSend
	stateHeaders
	stateBody
)

var stateNames = [...]string{
	stateInit:    "init",
	stateConnect: "connect",
	stateSend:    "send",
	stateHeaders: "headers",
	stateBody:    "body",
}

func (s state) String() string { return stateNames[s] }

// transfer 一个已加入 Multi 的句柄的运行状态
type transfer struct {
	h     *Handle
	url   string
	state state
	done  bool

	start        time.Time
	deadline     time.Time
	connectBy    time.Time
	nextProgress time.Time
	expire       time.Time

	tgt     *target
	addrs   []netip.Addr
	addrIdx int
	fd      int
	connErr error

	out       *ring.Buffer
	hdr       []byte
	head      *responseHead
	gotBytes  bool
	redirects int

	bodyNow int64
	raw     []byte
}

func newTransfer(h *Handle, now time.Time) *transfer {
	t := &transfer{
		h:      h,
		url:    h.url,
		fd:     -1,
		start:  now,
		expire: now,
	}
	if h.timeout > 0 {
		t.deadline = now.Add(h.timeout)
	}
	return t
}

func closeFD(fd int) { _ = netutil.Close(fd) }

func (t *transfer) dlTotal() int64 {
	if t.head != nil && t.head.contentLength > 0 {
		return t.head.contentLength
	}
	return 0
}

// buffered 响应体需要完整接收后再处理
func (t *transfer) buffered() bool {
	if t.head == nil {
		return false
	}
	return t.head.chunked || (t.h.acceptEncoding && t.head.encoding != "")
}

func (t *transfer) nextExpire() time.Time {
	var e time.Time
	earliest := func(c time.Time) {
		if !c.IsZero() && (e.IsZero() || c.Before(e)) {
			e = c
		}
	}
	if t.h.progress != nil {
		earliest(t.nextProgress)
	}
	earliest(t.deadline)
	if t.state == stateConnect {
		earliest(t.connectBy)
	}
	return e
}

func (t *transfer) write(p []byte) (Result, string) {
	if t.h.w == nil || len(p) == 0 {
		return ResultOK, ""
	}
	n, err := t.h.w.Write(p)
	if err != nil || n != len(p) {
		return ResultWriteError, "Failure writing output to destination"
	}
	return ResultOK, ""
}

// perform 推进一次传输，结束时放入完成队列。
func (m *Multi) perform(t *transfer, ev Select, now time.Time) {
	if !t.deadline.IsZero() && !now.Before(t.deadline) {
		m.finish(t, ResultOperationTimedOut, fmt.Sprintf(
			"Operation timed out after %d milliseconds with %d bytes received",
			now.Sub(t.start).Milliseconds(), t.bodyNow))
		return
	}
	res, msg, done := m.step(t, ev, now)
	if done && res != ResultOK {
		m.finish(t, res, msg)
		return
	}
	if fn := t.h.progress; fn != nil {
		if err := fn(t.dlTotal(), t.bodyNow, 0, 0); err != nil {
			m.finish(t, ResultAbortedByCallback, "Callback aborted")
			return
		}
		t.nextProgress = now.Add(progressInterval)
	}
	if done {
		m.finish(t, ResultOK, "")
		return
	}
	t.expire = t.nextExpire()
}

func (m *Multi) step(t *transfer, ev Select, now time.Time) (Result, string, bool) {
	for {
		switch t.state {
		case stateInit:
			if res, msg := m.begin(t, now); res != ResultOK {
				return res, msg, true
			}
			ev = 0

		case stateConnect:
			if ev&(CSelectOut|CSelectErr) == 0 {
				if t.connectBy.IsZero() || now.Before(t.connectBy) {
					m.setPoll(t, PollOut)
					return ResultOK, "", false
				}
				t.connErr = errConnectTimeout
			} else if err := netutil.SocketError(t.fd); err != nil {
				t.connErr = err
			} else {
				t.state = stateSend
				continue
			}
			m.log.Debugf("multi: connect to %s failed: %v", t.addrs[t.addrIdx], t.connErr)
			m.closeSocket(t)
			t.addrIdx++
			if res, msg := m.connect(t, now); res != ResultOK {
				return res, msg, true
			}
			ev = 0

		case stateSend:
			for t.out.Len() > 0 {
				n, err := unix.Write(t.fd, t.out.Peek(t.out.Len()))
				if err == unix.EINTR {
					continue
				}
				if err == unix.EAGAIN {
					m.setPoll(t, PollOut)
					return ResultOK, "", false
				}
				if err != nil {
					return ResultSendError, fmt.Sprintf("Send failure: %v", err), true
				}
				t.out.Discard(n)
			}
			t.state = stateHeaders

		case stateHeaders, stateBody:
			res, msg, done := m.receive(t)
			if done || t.state != stateInit {
				return res, msg, done
			}
			// 重定向，重新开始
			ev = 0
		}
	}
}

// begin 解析目标和地址，发起连接。
func (m *Multi) begin(t *transfer, now time.Time) (Result, string) {
	tgt, res, msg := parseTarget(t.url)
	if res != ResultOK {
		return res, msg
	}
	t.tgt = tgt
	t.h.effectiveURL = tgt.u.String()

	addrs, err := m.resolve(tgt.host)
	if err == nil && len(addrs) == 0 {
		err = errNoAddress
	}
	if err != nil {
		m.log.Debugf("multi: resolve %s: %v", tgt.host, err)
		return ResultCouldntResolveHost, fmt.Sprintf("Could not resolve host: %s", tgt.host)
	}
	t.addrs = addrs
	t.addrIdx = 0
	t.connErr = nil

	req := buildRequest(tgt, t.h.userAgent, t.h.acceptEncoding)
	t.out = ring.New(len(req))
	if _, err := t.out.WriteString(req); err != nil {
		return ResultSendError, err.Error()
	}
	return m.connect(t, now)
}

// resolve IP 字面量不经过 Resolver
func (m *Multi) resolve(host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ResolveTimeout)
	defer cancel()
	return m.cfg.Resolver.LookupHost(ctx, host)
}

// connect 从 addrIdx 开始依次尝试地址
func (m *Multi) connect(t *transfer, now time.Time) (Result, string) {
	for ; t.addrIdx < len(t.addrs); t.addrIdx++ {
		ap := netip.AddrPortFrom(t.addrs[t.addrIdx], uint16(t.tgt.port))
		fd, inProgress, err := netutil.Connect(ap, netutil.Options{})
		if err != nil {
			m.log.Debugf("multi: connect to %s failed: %v", ap, err)
			t.connErr = err
			continue
		}
		t.fd = fd
		if inProgress {
			t.state = stateConnect
			t.connectBy = time.Time{}
			if t.h.connectTimeout > 0 {
				t.connectBy = now.Add(t.h.connectTimeout)
			}
		} else {
			t.state = stateSend
		}
		return ResultOK, ""
	}
	if t.connErr == errConnectTimeout {
		return ResultOperationTimedOut, fmt.Sprintf("Connection timed out after %d milliseconds",
			t.h.connectTimeout.Milliseconds())
	}
	return ResultCouldntConnect, fmt.Sprintf("Failed to connect to %s port %d: %v",
		t.tgt.host, t.tgt.port, t.connErr)
}

func (m *Multi) receive(t *transfer) (Result, string, bool) {
	for i := 0; i < maxReadsPerStep; i++ {
		n, err := unix.Read(t.fd, m.scratch)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			return ResultRecvError, fmt.Sprintf("Recv failure: %v", err), true
		}
		if n == 0 {
			return m.eof(t)
		}
		res, msg, done := m.onData(t, m.scratch[:n])
		if done || t.state == stateInit {
			return res, msg, done
		}
	}
	m.setPoll(t, PollIn)
	return ResultOK, "", false
}

var httpPrefix = []byte("HTTP/")

func (m *Multi) onData(t *transfer, p []byte) (Result, string, bool) {
	t.gotBytes = true
	if t.state == stateBody {
		return m.onBody(t, p)
	}

	t.hdr = append(t.hdr, p...)
	for {
		if len(t.hdr) >= len(httpPrefix) && !bytes.HasPrefix(t.hdr, httpPrefix) {
			return ResultWeirdServerReply, "Received HTTP/0.9 when not allowed", true
		}
		n := splitHeader(t.hdr)
		if n < 0 {
			if len(t.hdr) > maxHeaderSize {
				return ResultWeirdServerReply, "Too large response headers", true
			}
			return ResultOK, "", false
		}
		head, err := parseHead(t.hdr[:n])
		if err != nil {
			return ResultWeirdServerReply, fmt.Sprintf("Invalid response header: %v", err), true
		}
		t.h.status = head.status
		rest := t.hdr[n:]
		if head.status >= 100 && head.status < 200 {
			t.hdr = append(t.hdr[:0], rest...)
			continue
		}
		if t.h.follow && isRedirect(head.status) && head.location != "" {
			return m.redirect(t, head.location)
		}
		t.head = head
		t.state = stateBody
		t.hdr = nil
		if head.contentLength == 0 {
			return m.complete(t)
		}
		if len(rest) == 0 {
			return ResultOK, "", false
		}
		return m.onBody(t, rest)
	}
}

func (m *Multi) onBody(t *transfer, p []byte) (Result, string, bool) {
	cl := t.head.contentLength
	if cl >= 0 {
		if left := cl - t.bodyNow; int64(len(p)) > left {
			p = p[:left]
		}
	}
	t.bodyNow += int64(len(p))
	if t.buffered() {
		t.raw = append(t.raw, p...)
	} else if res, msg := t.write(p); res != ResultOK {
		return res, msg, true
	}
	if cl >= 0 && t.bodyNow >= cl {
		return m.complete(t)
	}
	return ResultOK, "", false
}

func (m *Multi) eof(t *transfer) (Result, string, bool) {
	if t.state == stateHeaders {
		if !t.gotBytes {
			return ResultGotNothing, "Empty reply from server", true
		}
		return ResultWeirdServerReply, "Connection closed before the response header was complete", true
	}
	if cl := t.head.contentLength; cl >= 0 && t.bodyNow < cl {
		return ResultPartialFile, fmt.Sprintf("transfer closed with %d bytes remaining to read", cl-t.bodyNow), true
	}
	return m.complete(t)
}

// complete 响应体接收完毕，解码暂存的内容并交给写入方。
func (m *Multi) complete(t *transfer) (Result, string, bool) {
	if !t.buffered() {
		return ResultOK, "", true
	}
	body := t.raw
	t.raw = nil
	if t.head.chunked {
		out, err := io.ReadAll(httputil.NewChunkedReader(bytes.NewReader(body)))
		if err != nil {
			return ResultRecvError, fmt.Sprintf("Problem (%v) in the Chunked-Encoded data", err), true
		}
		body = out
	}
	if t.h.acceptEncoding && t.head.encoding != "" {
		out, err := decodeBody(t.head.encoding, body)
		if err != nil {
			de := err.(*decodeError)
			return de.result, de.msg, true
		}
		body = out
	}
	res, msg := t.write(body)
	return res, msg, true
}

func (m *Multi) redirect(t *transfer, location string) (Result, string, bool) {
	if limit := t.h.maxRedirs; limit >= 0 && t.redirects >= limit {
		return ResultTooManyRedirects, fmt.Sprintf("Maximum (%d) redirects followed", limit), true
	}
	ref, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return ResultURLMalformat, fmt.Sprintf("Bad redirect location: %v", err), true
	}
	next := t.tgt.u.ResolveReference(ref)
	m.log.Debugf("multi: issue another request to this URL: '%s'", next)

	m.closeSocket(t)
	t.redirects++
	t.url = next.String()
	t.state = stateInit
	t.hdr = nil
	t.head = nil
	t.gotBytes = false
	t.bodyNow = 0
	t.raw = nil
	return ResultOK, "", false
}
