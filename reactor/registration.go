package reactor

// Registration 是 fd 在 reactor 中的原生注册对象。
// 关注事件不可修改：需要变更时 Close 后重新 Register。
type Registration struct {
	r        *Reactor
	fd       int
	interest Interest
	cb       func(fd int, ev Event)
	epoch    uint64
	closed   bool
}

// Register 为 fd 建立注册。同一 fd 同时只允许一个注册。
// interest 为 0 时不向内核登记，只占位。
func (r *Reactor) Register(fd int, in Interest, cb func(fd int, ev Event)) (*Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.regs[fd]; ok {
		return nil, ErrAlreadyRegistered
	}
	if in != 0 {
		if err := r.p.Register(fd, in&Read != 0, in&Write != 0); err != nil {
			return nil, err
		}
	}
	g := &Registration{r: r, fd: fd, interest: in, cb: cb, epoch: r.iter}
	r.regs[fd] = g
	return g, nil
}

func (g *Registration) FD() int { return g.fd }

func (g *Registration) Interest() Interest { return g.interest }

// Close 注销。重复调用无副作用。
func (g *Registration) Close() error {
	r := g.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if r.regs[g.fd] != g {
		return nil
	}
	delete(r.regs, g.fd)
	if g.interest == 0 || r.closed {
		return nil
	}
	return r.p.Unregister(g.fd)
}
