package reactor

import "time"

// Timer 单次触发、可重置的定时器，在循环 goroutine 上回调。
type Timer struct {
	r        *Reactor
	cb       func()
	deadline time.Time
	armed    bool
}

func (r *Reactor) NewTimer(cb func()) *Timer {
	t := &Timer{r: r, cb: cb}
	r.mu.Lock()
	if !r.closed {
		r.timers[t] = struct{}{}
	}
	r.mu.Unlock()
	return t
}

// Arm 在 d 之后触发，替换之前的设置。d <= 0 表示下一轮循环触发。
func (t *Timer) Arm(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.r.mu.Lock()
	t.deadline = time.Now().Add(d)
	t.armed = true
	t.r.mu.Unlock()
	t.r.wakeOffLoop()
}

func (t *Timer) Disarm() {
	t.r.mu.Lock()
	t.armed = false
	t.r.mu.Unlock()
}

func (t *Timer) Pending() bool {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	return t.armed
}

// Release 从 reactor 中移除定时器。
func (t *Timer) Release() {
	t.r.mu.Lock()
	t.armed = false
	delete(t.r.timers, t)
	t.r.mu.Unlock()
}
