// Package gfetch 在单个后台事件循环上并发执行大量 HTTP 传输。
//
// Engine 把 multi 协调器接到 reactor 上：协调器声明每个套接字关注的事件和
// 下一次超时，reactor 在就绪或到期时回调，Engine 据此驱动协调器并在传输
// 结束时调用完成回调。Submit 可以在任意 goroutine 调用。
package gfetch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/legamerdc/gfetch/internal/log"
	"github.com/legamerdc/gfetch/multi"
	"github.com/legamerdc/gfetch/reactor"
)

type Engine struct {
	cfg    Config
	log    log.Logger
	b      *bridge
	thread *engineThread

	releaseOnce sync.Once
}

// New 创建引擎。事件循环在第一次 Submit 成功时启动。
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ResolveTimeout == 0 {
		cfg.ResolveTimeout = multi.DefaultResolveTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		l, err := log.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("gfetch: %w", err)
		}
		logger = l
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = multi.NewCachingResolver(cfg.DNSCacheSize, cfg.DNSCacheTTL)
	}

	r, err := reactor.New(reactor.WithEventBatch(cfg.EventBatch), reactor.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("gfetch: %w", err)
	}
	b := newBridge(r, logger, cfg.ProgressLogRate)
	coord, err := multi.New(multi.Config{
		MaxHandles:     cfg.MaxTransfers,
		Resolver:       resolver,
		ResolveTimeout: cfg.ResolveTimeout,
		ReadBufferSize: cfg.ReadBufferSize,
		Logger:         logger,
	}, b)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("gfetch: %w", err)
	}
	b.coord = coord

	return &Engine{
		cfg:    cfg,
		log:    logger,
		b:      b,
		thread: newEngineThread(r, logger),
	}, nil
}

// Submit 提交一个 GET 请求。onComplete 可以为 nil。
func (e *Engine) Submit(rawURL string, onComplete CompletionFunc, opts ...SubmitOption) (*Transfer, error) {
	if rawURL == "" {
		return nil, ErrInvalidArgument
	}
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	if e.closing() {
		return nil, ErrEngineClosed
	}
	e.warm(rawURL)

	reqID := uuid.NewString()
	resp := &Response{}
	s := &session{
		reqID:      reqID,
		url:        rawURL,
		resp:       resp,
		xfer:       newTransfer(reqID, rawURL, resp),
		onComplete: onComplete,
		onProgress: o.progress,
		b:          e.b,
		log:        e.log.WithField("request_id", reqID),
	}

	b := e.b
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil, ErrEngineClosed
	}
	h, err := b.coord.NewHandle()
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("gfetch: create handle: %w", err)
	}
	s.handle = h
	s.id = b.sessions.put(s)
	e.configure(h, s)
	if code := b.coord.Add(h); code != multi.OK {
		b.log.Errorf("ERROR: %s returned %s", "Submit: Add", code)
		b.sessions.release(s.id)
		h.Destroy()
		b.mu.Unlock()
		return nil, fmt.Errorf("gfetch: register transfer: %w", code)
	}
	b.running = b.coord.Running()
	b.inflight.Add(1)
	b.mu.Unlock()

	e.thread.start()
	return s.xfer, nil
}

func (e *Engine) configure(h *multi.Handle, s *session) {
	h.SetURL(s.url)
	h.SetWriter(s)
	h.SetProgressFunc(s.progress)
	h.SetErrorBuffer(&s.errBuf)
	h.SetPrivate(s.id)
	h.SetFollowLocation(e.cfg.FollowRedirects)
	h.SetMaxRedirects(e.cfg.MaxRedirects)
	h.SetConnectTimeout(e.cfg.ConnectTimeout)
	h.SetTimeout(e.cfg.Timeout)
	h.SetAcceptEncoding(e.cfg.AcceptEncoding)
	h.SetUserAgent(e.cfg.UserAgent)
}

// warm 在调用方 goroutine 上预先解析主机名，循环内的解析通常直接命中缓存。
// 解析失败不在这里报告，由传输本身给出结果。
func (e *Engine) warm(rawURL string) {
	host := multi.Hostname(rawURL)
	if host == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ResolveTimeout)
	defer cancel()
	if _, err := e.b.coord.Resolver().LookupHost(ctx, host); err != nil {
		e.log.WithError(err).Debugf("warm dns cache for %s", host)
	}
}

func (e *Engine) closing() bool {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	return e.b.closing
}

// Running 进行中的传输数
func (e *Engine) Running() int {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	return e.b.running
}

// BlockUntilShutdown 拒绝新的提交，等待已提交的传输全部结束（完成回调已返回），
// 然后停止事件循环并释放资源。
// 回调中调用时直接返回，不做任何事：循环无法等待自己退出。
func (e *Engine) BlockUntilShutdown() {
	e.log.Info("BlockUntilShutdown called, will wait for event thread to exit...")
	if err := e.Shutdown(context.Background()); errors.Is(err, ErrReentrantShutdown) {
		e.log.Error("ERROR: BlockUntilShutdown called from a transfer callback, ignored")
	}
}

// Shutdown 同 BlockUntilShutdown；ctx 先结束时强制终止未完成的传输，
// 它们的 Transfer 以 ErrEngineClosed 结束且不调用完成回调，返回 ctx.Err()。
// 在完成或进度回调中调用返回 ErrReentrantShutdown。
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.thread.onLoop() {
		return ErrReentrantShutdown
	}
	e.b.mu.Lock()
	e.b.closing = true
	e.b.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		e.b.inflight.Wait()
		close(idle)
	}()
	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		select {
		case <-idle:
		default:
			err = ctx.Err()
		}
	}
	e.thread.stop()
	e.release()
	return err
}

// Close 立即停止事件循环并强制终止所有未完成的传输。
// 在回调中调用返回 ErrReentrantShutdown。
func (e *Engine) Close() error {
	if e.thread.onLoop() {
		return ErrReentrantShutdown
	}
	e.b.mu.Lock()
	e.b.closing = true
	e.b.mu.Unlock()
	e.thread.stop()
	return e.release()
}

type aborted struct {
	s            *session
	status       int
	effectiveURL string
}

// release 在循环停止后移除剩余的传输，释放协调器和 reactor。只执行一次。
func (e *Engine) release() error {
	var err error
	e.releaseOnce.Do(func() {
		b := e.b
		b.mu.Lock()
		var out []aborted
		b.sessions.each(func(id sessionID, s *session) {
			h := s.handle
			out = append(out, aborted{s: s, status: h.ResponseCode(), effectiveURL: h.EffectiveURL()})
			b.removeLocked("shutdown: Remove", h)
			h.Destroy()
			b.sessions.release(id)
			s.handle = nil
		})
		b.coord.Close()
		b.timer.release()
		b.closed = true
		b.running = 0
		b.pending = nil
		b.mu.Unlock()

		if len(out) > 0 {
			e.log.Warnf("shutdown: aborted %d unfinished transfers", len(out))
		}
		for _, a := range out {
			a.s.abort(a.status, a.effectiveURL)
		}
		if cerr := b.r.Close(); cerr != nil {
			err = fmt.Errorf("gfetch: close reactor: %w", cerr)
		}
	})
	return err
}
