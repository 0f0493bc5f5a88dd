// Package multi 是多传输协调器：管理一组 Handle 的 HTTP 传输，
// 通过 Observer 告知调用方每个套接字关注的事件与下一次超时，
// 由调用方在套接字就绪或超时时调用 SocketAction 推进传输。
//
// Multi 及其 Handle 都不是并发安全的，调用方需要用同一把锁串行化所有调用。
// Observer 的回调在这些调用内部同步执行。
package multi

import (
	"time"

	"github.com/eapache/queue"

	"github.com/legamerdc/gfetch/internal/log"
)

// Poll 套接字关注的事件
type Poll int

const (
	PollNone Poll = iota
	PollIn
	PollOut
	PollInOut
	PollRemove
)

func (p Poll) String() string {
	switch p {
	case PollNone:
		return "NONE"
	case PollIn:
		return "IN"
	case PollOut:
		return "OUT"
	case PollInOut:
		return "INOUT"
	case PollRemove:
		return "REMOVE"
	}
	return "UNKNOWN"
}

// Select SocketAction 报告的就绪事件位
type Select int

const (
	CSelectIn Select = 1 << iota
	CSelectOut
	CSelectErr
)

const (
	// SocketTimeout 作为 SocketAction 的 fd 表示定时器到期
	SocketTimeout = -1

	// NoTimeout 作为 OnTimer 的参数表示取消定时器
	NoTimeout time.Duration = -1
)

// Observer 接收 Multi 的套接字与定时器通知。
type Observer interface {
	// OnSocket fd 的关注事件变为 what。socketData 是该套接字上次返回或
	// Assign 设置的值，返回值会存回。PollRemove 之后 fd 会被关闭。
	OnSocket(h *Handle, fd int, what Poll, socketData any) any
	// OnTimer 要求在 timeout 之后以 SocketTimeout 调用 SocketAction；
	// NoTimeout 表示取消，新的设置替换旧的。
	OnTimer(timeout time.Duration)
}

// Message 一个传输结束的通知
type Message struct {
	Handle *Handle
	Result Result
}

// DefaultResolveTimeout Config.ResolveTimeout 为 0 时的取值
const DefaultResolveTimeout = 5 * time.Second

type Config struct {
	// MaxHandles 同时存活的 Handle 上限，0 表示不限
	MaxHandles int
	// Resolver 为 nil 时使用 NewCachingResolver(0, time.Minute)
	Resolver Resolver
	// ResolveTimeout 循环内同步解析的时限
	ResolveTimeout time.Duration
	// ReadBufferSize 单次读取的缓冲大小
	ReadBufferSize int
	Logger         log.Logger
}

func (c *Config) setDefaults() {
	if c.Resolver == nil {
		c.Resolver = NewCachingResolver(0, time.Minute)
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 64 << 10
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
}

type socketEntry struct {
	h    *Handle
	what Poll
	data any
}

type Multi struct {
	cfg Config
	obs Observer
	log log.Logger

	handles map[*Handle]struct{}
	sockets map[int]*socketEntry
	msgs    *queue.Queue
	live    int
	running int

	timerArmed bool
	timerAt    time.Time

	scratch []byte
	closed  bool
}

func New(cfg Config, obs Observer) (*Multi, error) {
	if obs == nil {
		return nil, ErrInvalidArgument
	}
	cfg.setDefaults()
	return &Multi{
		cfg:     cfg,
		obs:     obs,
		log:     cfg.Logger,
		handles: make(map[*Handle]struct{}),
		sockets: make(map[int]*socketEntry),
		msgs:    queue.New(),
		scratch: make([]byte, cfg.ReadBufferSize),
	}, nil
}

// Resolver 返回 Multi 使用的解析器
func (m *Multi) Resolver() Resolver { return m.cfg.Resolver }

// NewHandle 创建句柄
func (m *Multi) NewHandle() (*Handle, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if m.cfg.MaxHandles > 0 && m.live >= m.cfg.MaxHandles {
		return nil, ErrTooManyHandles
	}
	m.live++
	return &Handle{m: m, maxRedirs: DefaultMaxRedirects}, nil
}

// Add 加入句柄并立即调度第一次推进。
func (m *Multi) Add(h *Handle) Code {
	if m.closed {
		return CodeBadHandle
	}
	if h == nil || h.m != m || h.destroyed {
		return CodeBadEasyHandle
	}
	if h.added {
		return CodeAddedAlready
	}
	h.added = true
	h.status = 0
	h.effectiveURL = ""
	h.t = newTransfer(h, time.Now())
	m.handles[h] = struct{}{}
	m.running++
	m.updateTimer()
	return OK
}

// Remove 移出句柄。未完成的传输被放弃，其套接字先注销再关闭。
func (m *Multi) Remove(h *Handle) Code {
	if h == nil || h.m != m {
		return CodeBadEasyHandle
	}
	if !h.added {
		return CodeBadEasyHandle
	}
	if t := h.t; t != nil && !t.done {
		m.closeSocket(t)
		t.done = true
		m.running--
	}
	h.added = false
	h.t = nil
	delete(m.handles, h)
	m.dropMessages(h)
	m.updateTimer()
	return OK
}

// SocketAction 推进 fd 上的传输；fd 为 SocketTimeout 时推进所有到期的传输。
// 返回仍在进行的传输数。
func (m *Multi) SocketAction(fd int, ev Select) (int, Code) {
	if m.closed {
		return 0, CodeBadHandle
	}
	now := time.Now()
	code := OK
	if fd == SocketTimeout {
		// 定时器已触发，之后总要重新设置
		m.timerArmed = false
		m.timerAt = time.Time{}
	} else if e, ok := m.sockets[fd]; ok {
		m.perform(e.h.t, ev, now)
	} else {
		code = CodeBadSocket
	}
	m.runExpired(now)
	m.updateTimer()
	return m.running, code
}

// InfoRead 取出一条完成通知，remaining 为队列中剩余的条数。
func (m *Multi) InfoRead() (msg Message, remaining int, ok bool) {
	if m.msgs.Length() == 0 {
		return Message{}, 0, false
	}
	msg = m.msgs.Remove().(Message)
	return msg, m.msgs.Length(), true
}

// Assign 设置 fd 的关注数据，下次 OnSocket 时传回。
func (m *Multi) Assign(fd int, data any) Code {
	e, ok := m.sockets[fd]
	if !ok {
		return CodeBadSocket
	}
	e.data = data
	return OK
}

// Running 进行中的传输数
func (m *Multi) Running() int { return m.running }

// Close 移出所有句柄并取消定时器。之后除 Handle.Destroy 外的调用都失败。
func (m *Multi) Close() Code {
	if m.closed {
		return OK
	}
	for h := range m.handles {
		m.Remove(h)
	}
	if m.timerArmed {
		m.timerArmed = false
		m.obs.OnTimer(NoTimeout)
	}
	m.closed = true
	return OK
}

func (m *Multi) runExpired(now time.Time) {
	var due []*transfer
	for h := range m.handles {
		t := h.t
		if t != nil && !t.done && !t.expire.IsZero() && !t.expire.After(now) {
			due = append(due, t)
		}
	}
	for _, t := range due {
		if !t.done {
			m.perform(t, 0, now)
		}
	}
}

// updateTimer 最早的到期时间变化时通知 Observer
func (m *Multi) updateTimer() {
	var next time.Time
	for h := range m.handles {
		t := h.t
		if t == nil || t.done || t.expire.IsZero() {
			continue
		}
		if next.IsZero() || t.expire.Before(next) {
			next = t.expire
		}
	}
	if next.IsZero() {
		if m.timerArmed {
			m.timerArmed = false
			m.timerAt = time.Time{}
			m.obs.OnTimer(NoTimeout)
		}
		return
	}
	if m.timerArmed && next.Equal(m.timerAt) {
		return
	}
	m.timerArmed = true
	m.timerAt = next
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	m.obs.OnTimer(d)
}

// setPoll 更新 fd 的关注事件，与上次不同时通知 Observer。
func (m *Multi) setPoll(t *transfer, what Poll) {
	e, ok := m.sockets[t.fd]
	if !ok {
		e = &socketEntry{h: t.h, what: PollNone}
		m.sockets[t.fd] = e
	}
	if e.what == what {
		return
	}
	e.what = what
	e.data = m.obs.OnSocket(t.h, t.fd, what, e.data)
}

// closeSocket 先通知 PollRemove 再关闭 fd，保证注销先于 fd 复用。
func (m *Multi) closeSocket(t *transfer) {
	if t.fd < 0 {
		return
	}
	fd := t.fd
	t.fd = -1
	if e, ok := m.sockets[fd]; ok {
		delete(m.sockets, fd)
		m.obs.OnSocket(t.h, fd, PollRemove, e.data)
	}
	closeFD(fd)
}

func (m *Multi) finish(t *transfer, res Result, msg string) {
	m.closeSocket(t)
	t.done = true
	t.expire = time.Time{}
	if res != ResultOK {
		if msg == "" {
			msg = res.String()
		}
		t.h.setError(msg)
	}
	m.running--
	m.msgs.Add(Message{Handle: t.h, Result: res})
}

func (m *Multi) dropMessages(h *Handle) {
	n := m.msgs.Length()
	for i := 0; i < n; i++ {
		msg := m.msgs.Remove().(Message)
		if msg.Handle != h {
			m.msgs.Add(msg)
		}
	}
}
