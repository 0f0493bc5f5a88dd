package gfetch

import (
	"github.com/legamerdc/gfetch/multi"
	"github.com/legamerdc/gfetch/reactor"
)

// socketWatch 协调器关注的一个套接字及其 reactor 注册。
// 注册不可修改，关注事件变化时销毁后重建。
type socketWatch struct {
	fd   int
	what multi.Poll
	b    *bridge
	reg  *reactor.Registration
}

func newSocketWatch(b *bridge, fd int) *socketWatch {
	return &socketWatch{fd: fd, what: multi.PollNone, b: b}
}

func interestOf(what multi.Poll) reactor.Interest {
	switch what {
	case multi.PollIn:
		return reactor.Read
	case multi.PollOut:
		return reactor.Write
	case multi.PollInOut:
		return reactor.ReadWrite
	}
	return 0
}

// set 按新的关注事件重建注册
func (w *socketWatch) set(what multi.Poll) error {
	w.remove()
	w.what = what
	reg, err := w.b.r.Register(w.fd, interestOf(what), w.b.onSocketReady)
	if err != nil {
		return err
	}
	w.reg = reg
	return nil
}

// remove 注销，fd 随后可以被关闭
func (w *socketWatch) remove() {
	if w.reg == nil {
		return
	}
	if err := w.reg.Close(); err != nil {
		w.b.log.WithError(err).Warnf("unregister fd %d", w.reg.FD())
	}
	w.reg = nil
}
