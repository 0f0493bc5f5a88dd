package gfetch

import (
	"errors"
	"fmt"

	"github.com/legamerdc/gfetch/multi"
	"github.com/legamerdc/gfetch/poller"
)

var (
	// ErrPlatformNotSupported 当前平台没有 epoll/kqueue
	ErrPlatformNotSupported = poller.ErrPlatformNotSupported

	// ErrInvalidArgument 参数非法
	ErrInvalidArgument = errors.New("gfetch: invalid argument")

	// ErrEngineClosed 引擎已关闭或正在关闭
	ErrEngineClosed = errors.New("gfetch: engine closed")

	// ErrReentrantShutdown 在事件循环 goroutine（完成或进度回调）中关闭引擎
	ErrReentrantShutdown = errors.New("gfetch: shutdown called from the event loop")

	// ErrTransferFailed 传输失败，具体原因见 *TransferError
	ErrTransferFailed = errors.New("gfetch: transfer failed")
)

// TransferError 描述一次失败的传输。HTTP 状态码不属于失败。
type TransferError struct {
	URL     string
	Result  multi.Result
	Message string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("gfetch: %s: %s", e.URL, e.Message)
}

func (e *TransferError) Unwrap() error { return ErrTransferFailed }
