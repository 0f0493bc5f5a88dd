package gfetch

import (
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/legamerdc/gfetch/internal/log"
	"github.com/legamerdc/gfetch/multi"
	"github.com/legamerdc/gfetch/reactor"
)

// bridge 连接 multi 协调器与 reactor：
// 把套接字关注事件转换为 reactor 注册，把协调器的定时器映射为 reactor 定时器，
// 并在就绪或超时时驱动协调器、收割结束的传输。
//
// 所有 coord 与 sessions 的访问都在 mu 下进行；锁顺序为 bridge.mu -> reactor.mu。
type bridge struct {
	mu       sync.Mutex
	coord    *multi.Multi
	r        *reactor.Reactor
	timer    *deadlineTimer
	sessions arena
	running  int

	// closing 之后拒绝新的提交；closed 之后 coord 已释放
	closing  bool
	closed   bool
	inflight sync.WaitGroup

	// pending 在释放 mu 之后执行
	pending []func()

	progressLog *rate.Limiter
	log         log.Logger
}

func newBridge(r *reactor.Reactor, logger log.Logger, progressRate float64) *bridge {
	limit := rate.Inf
	if progressRate > 0 {
		limit = rate.Limit(progressRate)
	}
	b := &bridge{
		r:           r,
		progressLog: rate.NewLimiter(limit, 1),
		log:         logger,
	}
	b.timer = newDeadlineTimer(r, b.onTimeout)
	return b
}

// OnSocket 实现 multi.Observer
func (b *bridge) OnSocket(h *multi.Handle, fd int, what multi.Poll, data any) any {
	w, _ := data.(*socketWatch)
	if what == multi.PollRemove {
		if w != nil {
			w.remove()
		}
		return nil
	}
	if w == nil {
		w = newSocketWatch(b, fd)
	}
	if err := w.set(what); err != nil {
		b.log.WithError(err).Errorf("ERROR: watch fd %d (%s) failed", fd, what)
	}
	return w
}

// OnTimer 实现 multi.Observer
func (b *bridge) OnTimer(timeout time.Duration) {
	if timeout == multi.NoTimeout {
		b.timer.disarm()
		return
	}
	b.timer.arm(timeout)
}

// onSocketReady 是 reactor 注册的回调
func (b *bridge) onSocketReady(fd int, ev reactor.Event) {
	var sel multi.Select
	if ev&reactor.EventRead != 0 {
		sel |= multi.CSelectIn
	}
	if ev&reactor.EventWrite != 0 {
		sel |= multi.CSelectOut
	}
	if ev&reactor.EventError != 0 {
		sel |= multi.CSelectErr
	}
	b.drive("onSocketReady: SocketAction", fd, sel)
}

func (b *bridge) onTimeout() {
	b.drive("onTimeout: SocketAction", multi.SocketTimeout, 0)
}

func (b *bridge) drive(where string, fd int, sel multi.Select) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	running, code := b.coord.SocketAction(fd, sel)
	b.running = running
	if b.checkCode(where, code) {
		b.reapLocked()
	}
	if b.running <= 0 {
		b.timer.disarm()
	}
	calls := b.pending
	b.pending = nil
	b.mu.Unlock()

	b.runPending(calls)
}

// checkCode 记录非 OK 的返回码；返回 false 表示本次驱动应放弃收割。
// BAD_SOCKET 表示协调器已不再跟踪该 fd，仍继续收割。
func (b *bridge) checkCode(where string, code multi.Code) bool {
	if code == multi.OK {
		return true
	}
	b.log.Errorf("ERROR: %s returned %s", where, code)
	return code == multi.CodeBadSocket
}

// reapLocked 取出所有完成通知，移除并释放句柄；回调推迟到解锁之后。
func (b *bridge) reapLocked() {
	for {
		msg, _, ok := b.coord.InfoRead()
		if !ok {
			return
		}
		h := msg.Handle
		id, _ := h.Private().(sessionID)
		s := b.sessions.get(id)
		effectiveURL := h.EffectiveURL()
		status := h.ResponseCode()

		b.removeLocked("reap: Remove", h)
		h.Destroy()
		if s == nil {
			b.log.Warnf("reap: no session for %s", effectiveURL)
			continue
		}
		b.sessions.release(id)
		s.handle = nil

		text := s.errBuf.String()
		s.log.Infof("Done: %s %s", effectiveURL, text)

		var err error
		if msg.Result != multi.ResultOK {
			if text == "" {
				text = msg.Result.String()
			}
			err = &TransferError{URL: s.url, Result: msg.Result, Message: text}
		}
		b.pending = append(b.pending, func() { s.complete(status, effectiveURL, err) })
	}
}

// removeLocked 从协调器移除句柄，失败只记录日志
func (b *bridge) removeLocked(where string, h *multi.Handle) multi.Code {
	code := b.coord.Remove(h)
	if code != multi.OK {
		b.log.Errorf("ERROR: %s returned %s", where, code)
	}
	return code
}

// deferLocked 登记一个在释放 mu 之后执行的回调
func (b *bridge) deferLocked(fn func()) {
	b.pending = append(b.pending, fn)
}

func (b *bridge) runPending(calls []func()) {
	for _, fn := range calls {
		b.safeCall(fn)
	}
}

func (b *bridge) safeCall(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			b.log.Errorf("callback panic: %v\n%s", v, debug.Stack())
		}
	}()
	fn()
}
