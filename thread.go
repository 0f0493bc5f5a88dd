package gfetch

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/legamerdc/gfetch/internal/log"
	"github.com/legamerdc/gfetch/reactor"
)

type threadState int32

const (
	threadNotStarted threadState = iota
	threadRunning
	threadStopping
	threadJoined
)

func (s threadState) String() string {
	switch s {
	case threadNotStarted:
		return "not-started"
	case threadRunning:
		return "running"
	case threadStopping:
		return "stopping"
	case threadJoined:
		return "joined"
	}
	return "unknown"
}

// engineThread 运行 reactor 循环的后台 goroutine，只启动一次。
type engineThread struct {
	r     *reactor.Reactor
	log   log.Logger
	state atomic.Int32
	// starts 实际启动次数
	starts atomic.Int32
	// loopID 循环 goroutine 的 id，未运行时为 0
	loopID atomic.Uint64

	stopMu sync.Mutex
	done   chan struct{}
}

func newEngineThread(r *reactor.Reactor, logger log.Logger) *engineThread {
	return &engineThread{r: r, log: logger, done: make(chan struct{})}
}

func (t *engineThread) current() threadState { return threadState(t.state.Load()) }

// start 未启动时启动循环；并发调用只有一个生效。
func (t *engineThread) start() bool {
	if !t.state.CompareAndSwap(int32(threadNotStarted), int32(threadRunning)) {
		return false
	}
	t.starts.Add(1)
	t.log.Info("Starting event loop thread")
	go t.loop()
	return true
}

func (t *engineThread) loop() {
	defer close(t.done)
	t.loopID.Store(goroutineID())
	defer t.loopID.Store(0)
	if err := t.r.Run(); err != nil {
		t.log.WithError(err).Error("event loop exited")
	}
	t.log.Info("Event loop thread joined the calling thread")
}

// stop 请求循环退出并等待 goroutine 返回；未启动时直接进入 joined。
func (t *engineThread) stop() {
	t.stopMu.Lock()
	defer t.stopMu.Unlock()
	if t.state.CompareAndSwap(int32(threadNotStarted), int32(threadJoined)) {
		return
	}
	if !t.state.CompareAndSwap(int32(threadRunning), int32(threadStopping)) {
		return
	}
	t.r.Stop()
	<-t.done
	t.state.Store(int32(threadJoined))
}

// onLoop 当前 goroutine 是否就是循环 goroutine
func (t *engineThread) onLoop() bool {
	id := t.loopID.Load()
	return id != 0 && id == goroutineID()
}

// goroutineID 从栈头 "goroutine N [" 解析 id，只用于重入检测。
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
