package gfetch

import (
	"time"

	"github.com/legamerdc/gfetch/reactor"
)

// deadlineTimer 协调器的倒计时，基于 reactor 单次定时器
type deadlineTimer struct {
	t *reactor.Timer
}

func newDeadlineTimer(r *reactor.Reactor, fire func()) *deadlineTimer {
	return &deadlineTimer{t: r.NewTimer(fire)}
}

// arm 在 delay 之后触发，替换之前的设置；0 表示下一轮循环。
func (d *deadlineTimer) arm(delay time.Duration) {
	if delay < 0 {
		d.disarm()
		return
	}
	d.t.Arm(delay)
}

func (d *deadlineTimer) disarm() { d.t.Disarm() }

func (d *deadlineTimer) pending() bool { return d.t.Pending() }

func (d *deadlineTimer) release() { d.t.Release() }
