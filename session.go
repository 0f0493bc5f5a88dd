package gfetch

import (
	"context"
	"sync"

	"github.com/legamerdc/gfetch/internal/log"
	"github.com/legamerdc/gfetch/multi"
)

// sessionID 高 32 位为槽位，低 32 位为代数；0 无效
type sessionID uint64

func makeSessionID(slot, gen uint32) sessionID { return sessionID(uint64(slot)<<32 | uint64(gen)) }

func (id sessionID) slot() uint32 { return uint32(id >> 32) }
func (id sessionID) gen() uint32  { return uint32(id) }

type arenaSlot struct {
	gen uint32
	s   *session
}

// arena 存放进行中的会话。释放后槽位的代数递增，旧 id 不再能查到会话。
type arena struct {
	slots []arenaSlot
	free  []uint32
	n     int
}

func (a *arena) put(s *session) sessionID {
	var slot uint32
	if k := len(a.free); k > 0 {
		slot = a.free[k-1]
		a.free = a.free[:k-1]
	} else {
		a.slots = append(a.slots, arenaSlot{})
		slot = uint32(len(a.slots) - 1)
	}
	e := &a.slots[slot]
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	e.s = s
	a.n++
	return makeSessionID(slot, e.gen)
}

func (a *arena) get(id sessionID) *session {
	slot := id.slot()
	if id.gen() == 0 || int(slot) >= len(a.slots) {
		return nil
	}
	e := a.slots[slot]
	if e.gen != id.gen() {
		return nil
	}
	return e.s
}

func (a *arena) release(id sessionID) bool {
	if a.get(id) == nil {
		return false
	}
	slot := id.slot()
	a.slots[slot].s = nil
	a.free = append(a.free, slot)
	a.n--
	return true
}

func (a *arena) len() int { return a.n }

func (a *arena) each(fn func(id sessionID, s *session)) {
	for i, e := range a.slots {
		if e.s != nil {
			fn(makeSessionID(uint32(i), e.gen), e.s)
		}
	}
}

// Response 响应体缓冲。会话只追加，调用方只读；会话结束后仍然有效。
type Response struct {
	mu  sync.RWMutex
	buf []byte
}

func (r *Response) append(p []byte) {
	r.mu.Lock()
	r.buf = append(r.buf, p...)
	r.mu.Unlock()
}

// Bytes 返回当前内容的拷贝
func (r *Response) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

func (r *Response) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

func (r *Response) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return string(r.buf)
}

// Transfer 是 Submit 返回给调用方的传输视图。
type Transfer struct {
	id   string
	url  string
	resp *Response
	done chan struct{}

	// 以下字段在 done 关闭前写入
	err          error
	status       int
	effectiveURL string
}

func newTransfer(id, url string, resp *Response) *Transfer {
	return &Transfer{id: id, url: url, resp: resp, done: make(chan struct{})}
}

func (t *Transfer) URL() string { return t.url }

// ID 请求 id，与日志中的 request_id 字段一致
func (t *Transfer) ID() string { return t.id }

func (t *Transfer) Response() *Response { return t.resp }

// Done 在传输结束且完成回调返回之后关闭
func (t *Transfer) Done() <-chan struct{} { return t.done }

func (t *Transfer) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err 传输结束前返回 nil
func (t *Transfer) Err() error {
	if !t.finished() {
		return nil
	}
	return t.err
}

// StatusCode 最后一个响应的状态码；未结束或未收到响应时为 0
func (t *Transfer) StatusCode() int {
	if !t.finished() {
		return 0
	}
	return t.status
}

// EffectiveURL 跟随重定向后的 URL；未结束时返回提交的 URL
func (t *Transfer) EffectiveURL() string {
	if !t.finished() || t.effectiveURL == "" {
		return t.url
	}
	return t.effectiveURL
}

// Wait 等待传输结束，返回响应体和传输错误。
func (t *Transfer) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-t.done:
		return t.resp.Bytes(), t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transfer) finish(status int, effectiveURL string, err error) {
	t.status = status
	t.effectiveURL = effectiveURL
	t.err = err
	close(t.done)
}

// session 一个进行中的请求
type session struct {
	id     sessionID
	reqID  string
	handle *multi.Handle
	url    string
	resp   *Response
	xfer   *Transfer

	onComplete CompletionFunc
	onProgress func(Progress)

	// 上次上报的进度
	total   int64
	xferred int64

	errBuf multi.ErrorBuffer
	b      *bridge
	log    log.Logger
}

// Write 接收响应体
func (s *session) Write(p []byte) (int, error) {
	s.resp.append(p)
	return len(p), nil
}

// progress 只在累计值变化时上报
func (s *session) progress(dlTotal, dlNow, _, _ int64) error {
	if dlTotal == s.total && dlNow == s.xferred {
		return nil
	}
	s.total = dlTotal
	s.xferred = dlNow
	if s.b.progressLog.Allow() {
		s.log.Debugf("Progress: %s (%d/%d)", s.url, dlNow, dlTotal)
	}
	if fn := s.onProgress; fn != nil {
		p := Progress{URL: s.url, Total: dlTotal, Now: dlNow}
		s.b.deferLocked(func() { fn(p) })
	}
	return nil
}

// complete 调用完成回调后结束 Transfer
func (s *session) complete(status int, effectiveURL string, err error) {
	defer s.b.inflight.Done()
	defer s.xfer.finish(status, effectiveURL, err)
	if s.onComplete != nil {
		s.onComplete(s.resp.Bytes(), err)
	}
}

// abort 强制结束，不调用完成回调
func (s *session) abort(status int, effectiveURL string) {
	s.xfer.finish(status, effectiveURL, ErrEngineClosed)
	s.b.inflight.Done()
}
