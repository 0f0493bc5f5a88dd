package multi

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyHandles 存活的 Handle 数达到 Config.MaxHandles
	ErrTooManyHandles = errors.New("multi: too many handles")

	// ErrInvalidArgument 参数非法
	ErrInvalidArgument = errors.New("multi: invalid argument")

	// ErrClosed Multi 已关闭
	ErrClosed = errors.New("multi: closed")

	errConnectTimeout = errors.New("multi: connect timeout")
)

// Code 是 Multi 接口调用的返回码
type Code int

const (
	OK Code = iota
	CodeBadHandle
	CodeBadEasyHandle
	CodeOutOfMemory
	CodeInternalError
	CodeBadSocket
	CodeUnknownOption
	CodeAddedAlready
)

var codeNames = [...]string{
	OK:                "OK",
	CodeBadHandle:     "BAD_HANDLE",
	CodeBadEasyHandle: "BAD_EASY_HANDLE",
	CodeOutOfMemory:   "OUT_OF_MEMORY",
	CodeInternalError: "INTERNAL_ERROR",
	CodeBadSocket:     "BAD_SOCKET",
	CodeUnknownOption: "UNKNOWN_OPTION",
	CodeAddedAlready:  "ADDED_ALREADY",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// Error 使 Code 可以作为 error 返回
func (c Code) Error() string { return "multi: " + c.String() }

// Result 是单个传输的结束状态
type Result int

const (
	ResultOK Result = iota
	ResultUnsupportedProtocol
	ResultURLMalformat
	ResultCouldntResolveHost
	ResultCouldntConnect
	ResultSendError
	ResultRecvError
	ResultGotNothing
	ResultWeirdServerReply
	ResultTooManyRedirects
	ResultPartialFile
	ResultWriteError
	ResultBadContentEncoding
	ResultAbortedByCallback
	ResultOperationTimedOut
)

var resultText = [...]string{
	ResultOK:                  "No error",
	ResultUnsupportedProtocol: "Unsupported protocol",
	ResultURLMalformat:        "URL using bad/illegal format or missing URL",
	ResultCouldntResolveHost:  "Couldn't resolve host name",
	ResultCouldntConnect:      "Couldn't connect to server",
	ResultSendError:           "Failed sending data to the peer",
	ResultRecvError:           "Failure when receiving data from the peer",
	ResultGotNothing:          "Server returned nothing (no headers, no data)",
	ResultWeirdServerReply:    "Weird server reply",
	ResultTooManyRedirects:    "Number of redirects hit maximum amount",
	ResultPartialFile:         "Transferred a partial file",
	ResultWriteError:          "Failed writing received data to disk/application",
	ResultBadContentEncoding:  "Unrecognized or bad HTTP Content or Transfer-Encoding",
	ResultAbortedByCallback:   "Operation was aborted by an application callback",
	ResultOperationTimedOut:   "Timeout was reached",
}

func (r Result) String() string {
	if r >= 0 && int(r) < len(resultText) {
		return resultText[r]
	}
	return fmt.Sprintf("Unknown error %d", int(r))
}

// ErrorSize 是 ErrorBuffer 的容量
const ErrorSize = 256

// ErrorBuffer 定长的错误描述缓冲，超长内容被截断。零值为空。
type ErrorBuffer struct {
	b [ErrorSize]byte
	n int
}

func (e *ErrorBuffer) set(msg string) {
	e.n = copy(e.b[:], msg)
}

func (e *ErrorBuffer) Reset() { e.n = 0 }

func (e *ErrorBuffer) Len() int { return e.n }

func (e *ErrorBuffer) String() string { return string(e.b[:e.n]) }
