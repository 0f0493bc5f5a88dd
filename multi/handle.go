package multi

import (
	"io"
	"time"
)

// DefaultMaxRedirects 跟随重定向的默认上限
const DefaultMaxRedirects = 50

// ProgressFunc 接收累计的下载/上传字节数，返回非 nil 时中止传输。
// dlTotal 未知时为 0。
type ProgressFunc func(dlTotal, dlNow, ulTotal, ulNow int64) error

// Handle 单个传输的句柄。选项需在 Add 之前设置；
// 与 Multi 一样不是并发安全的，调用方负责串行化。
type Handle struct {
	m *Multi

	url            string
	w              io.Writer
	progress       ProgressFunc
	errBuf         *ErrorBuffer
	private        any
	follow         bool
	maxRedirs      int
	connectTimeout time.Duration
	timeout        time.Duration
	acceptEncoding bool
	userAgent      string

	added     bool
	destroyed bool
	t         *transfer

	effectiveURL string
	status       int
}

func (h *Handle) SetURL(u string) { h.url = u }

// SetWriter 设置响应体的接收方，nil 表示丢弃。
func (h *Handle) SetWriter(w io.Writer) { h.w = w }

func (h *Handle) SetProgressFunc(fn ProgressFunc) { h.progress = fn }

// SetErrorBuffer 传输失败时错误描述写入 buf。
func (h *Handle) SetErrorBuffer(buf *ErrorBuffer) { h.errBuf = buf }

func (h *Handle) SetPrivate(v any) { h.private = v }

func (h *Handle) SetFollowLocation(on bool) { h.follow = on }

// SetMaxRedirects n < 0 表示不限制
func (h *Handle) SetMaxRedirects(n int) { h.maxRedirs = n }

func (h *Handle) SetConnectTimeout(d time.Duration) { h.connectTimeout = d }

// SetTimeout 整个传输的时限，0 表示不限
func (h *Handle) SetTimeout(d time.Duration) { h.timeout = d }

// SetAcceptEncoding 开启后请求压缩编码并在本地解码
func (h *Handle) SetAcceptEncoding(on bool) { h.acceptEncoding = on }

func (h *Handle) SetUserAgent(ua string) { h.userAgent = ua }

func (h *Handle) Private() any { return h.private }

// EffectiveURL 最后一次请求的 URL（跟随重定向之后）。
func (h *Handle) EffectiveURL() string {
	if h.effectiveURL == "" {
		return h.url
	}
	return h.effectiveURL
}

// ResponseCode 最后一个响应的状态码，未收到响应时为 0。
func (h *Handle) ResponseCode() int { return h.status }

// Destroy 释放句柄；仍在 Multi 中时先移除。重复调用无副作用。
func (h *Handle) Destroy() {
	if h.destroyed {
		return
	}
	if h.added {
		h.m.Remove(h)
	}
	h.destroyed = true
	h.m.live--
	h.private = nil
	h.w = nil
	h.progress = nil
}

func (h *Handle) setError(msg string) {
	if h.errBuf != nil {
		h.errBuf.set(msg)
	}
}
