// Package poller 封装操作系统的就绪通知（linux: epoll，darwin: kqueue）。
//
// fd 以水平触发方式注册：未消费的就绪状态会在下一次 Wait 中再次上报，
// 上层因此可以安全地丢弃一批事件中已过期的条目。
package poller

import (
	"errors"
	"time"
)

// FD 表示文件描述符。
type FD = int

// Event 是就绪事件位掩码。
type Event uint8

const (
	EventRead Event = 1 << iota
	EventWrite
	EventError
)

// Ready 是一次 Wait 返回的单个就绪条目。
type Ready struct {
	FD     FD
	Events Event
}

var (
	// ErrClosed poller 已关闭
	ErrClosed = errors.New("poller: closed")

	// ErrPlatformNotSupported 当前平台没有 epoll/kqueue 实现
	ErrPlatformNotSupported = errors.New("poller: platform not supported (requires epoll or kqueue)")
)

// Poller 提供 fd 注册与单轮等待。
//
// Register/Unregister/Wake 可以在任意 goroutine 调用；Wait 只能由一个
// goroutine 调用。没有 Mod：修改关注事件需要先 Unregister 再 Register。
type Poller interface {
	Register(fd FD, readable, writable bool) error
	Unregister(fd FD) error
	// Wait 阻塞直到有事件、被 Wake 唤醒或超时；timeout < 0 表示无限等待。
	// 唤醒 fd 的事件不会出现在结果中。
	Wait(events []Ready, timeout time.Duration) (int, error)
	Wake() error
	Close() error
}

// timeoutMillis 将超时向上取整到毫秒，保证不会在截止时间之前醒来。
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > 1<<31-1 {
		ms = 1<<31 - 1
	}
	return int(ms)
}
