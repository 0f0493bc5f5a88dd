// Package reactor 在 poller 之上提供事件循环：fd 注册、单次可重置定时器，
// 以及在单个 goroutine 中分发回调的 Run 循环。
package reactor

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/legamerdc/gfetch/internal/log"
	"github.com/legamerdc/gfetch/poller"
)

// Event 就绪事件位掩码
type Event = poller.Event

const (
	EventRead  = poller.EventRead
	EventWrite = poller.EventWrite
	EventError = poller.EventError
)

// Interest 注册时关注的事件
type Interest uint8

const (
	Read Interest = 1 << iota
	Write

	ReadWrite = Read | Write
)

func (in Interest) String() string {
	switch in {
	case 0:
		return "none"
	case Read:
		return "IN"
	case Write:
		return "OUT"
	case ReadWrite:
		return "INOUT"
	}
	return fmt.Sprintf("Interest(%d)", uint8(in))
}

var (
	ErrRunning           = errors.New("reactor: already running")
	ErrAlreadyRegistered = errors.New("reactor: fd already registered")
	ErrClosed            = errors.New("reactor: closed")
)

type options struct {
	batch  int
	logger log.Logger
}

type Option func(*options)

// WithEventBatch 设置单次 Wait 最多取回的事件数
func WithEventBatch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batch = n
		}
	}
}

func WithLogger(l log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Reactor 单 goroutine 事件循环。
//
// Register/Timer 相关方法可在任意 goroutine 调用；回调只在 Run 所在的
// goroutine 上执行。
type Reactor struct {
	p   poller.Poller
	log log.Logger

	mu     sync.Mutex
	regs   map[int]*Registration
	timers map[*Timer]struct{}
	// iter 为循环轮次；注册对象记录创建时的轮次，用于过滤过期事件
	iter   uint64
	closed bool

	events  []poller.Ready
	running atomic.Bool
	stop    atomic.Bool
	inLoop  atomic.Bool
}

func New(opts ...Option) (*Reactor, error) {
	o := options{batch: 256, logger: log.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	p, err := poller.New()
	if err != nil {
		return nil, fmt.Errorf("reactor: create poller: %w", err)
	}
	return &Reactor{
		p:      p,
		log:    o.logger,
		regs:   make(map[int]*Registration),
		timers: make(map[*Timer]struct{}),
		events: make([]poller.Ready, o.batch),
	}, nil
}

// Run 运行事件循环直到 Stop 被调用或 poller 出错。
func (r *Reactor) Run() error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer r.running.Store(false)

	for !r.stop.Load() {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrClosed
		}
		epoch := r.iter
		r.iter++
		timeout := r.nextTimeoutLocked(time.Now())
		r.mu.Unlock()

		n, err := r.p.Wait(r.events, timeout)
		if err != nil {
			if r.stop.Load() {
				return nil
			}
			return fmt.Errorf("reactor: wait: %w", err)
		}

		r.inLoop.Store(true)
		for i := 0; i < n && !r.stop.Load(); i++ {
			r.dispatch(r.events[i], epoch)
		}
		if !r.stop.Load() {
			r.fireTimers()
		}
		r.inLoop.Store(false)
	}
	return nil
}

// Stop 请求循环退出，可在任意 goroutine 调用，不等待。
func (r *Reactor) Stop() {
	r.stop.Store(true)
	_ = r.p.Wake()
}

// Close 释放 poller。应在 Run 返回之后调用。
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.regs = map[int]*Registration{}
	r.timers = map[*Timer]struct{}{}
	r.mu.Unlock()
	return r.p.Close()
}

func (r *Reactor) dispatch(ev poller.Ready, epoch uint64) {
	r.mu.Lock()
	g := r.regs[ev.FD]
	// 本轮 Wait 开始之后创建的注册不接收本批事件
	if g == nil || g.epoch > epoch {
		r.mu.Unlock()
		return
	}
	mask := ev.Events & (g.interest.events() | EventError)
	cb := g.cb
	r.mu.Unlock()
	if mask == 0 || cb == nil {
		return
	}
	r.safeCall(func() { cb(ev.FD, mask) })
}

func (r *Reactor) fireTimers() {
	now := time.Now()
	var due []*Timer
	r.mu.Lock()
	for t := range r.timers {
		if t.armed && !t.deadline.After(now) {
			t.armed = false
			due = append(due, t)
		}
	}
	r.mu.Unlock()
	for _, t := range due {
		r.safeCall(t.cb)
	}
}

func (r *Reactor) nextTimeoutLocked(now time.Time) time.Duration {
	timeout := time.Duration(-1)
	for t := range r.timers {
		if !t.armed {
			continue
		}
		d := t.deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		if timeout < 0 || d < timeout {
			timeout = d
		}
	}
	return timeout
}

// wakeOffLoop 在非循环 goroutine 修改定时器后唤醒 Wait 以重新计算超时。
func (r *Reactor) wakeOffLoop() {
	if r.inLoop.Load() {
		return
	}
	_ = r.p.Wake()
}

func (r *Reactor) safeCall(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Errorf("reactor: callback panic: %v\n%s", v, debug.Stack())
		}
	}()
	fn()
}

func (in Interest) events() Event {
	var e Event
	if in&Read != 0 {
		e |= EventRead
	}
	if in&Write != 0 {
		e |= EventWrite
	}
	return e
}
