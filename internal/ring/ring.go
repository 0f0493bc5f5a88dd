// Package ring 提供定长的字节环形缓冲。
package ring

import (
	"errors"
)

var ErrTooLarge = errors.New("ring: write too large")

// Buffer 单 goroutine 使用的环形字节缓冲，不加锁。
// 用作连接的待发送队列：写入完整请求，按套接字可写分段 Peek/Discard。
type Buffer struct {
	buf      []byte
	mask     int
	readPos  int
	writePos int
}

// New 返回容量为 2 的幂次的环形缓冲，capacity 向上取整。
func New(capacity int) *Buffer {
	capPow2 := 1
	for capPow2 < capacity {
		capPow2 <<= 1
	}
	return &Buffer{buf: make([]byte, capPow2), mask: capPow2 - 1}
}

func (b *Buffer) Cap() int { return len(b.buf) }

func (b *Buffer) Len() int { return b.writePos - b.readPos }

func (b *Buffer) Free() int { return b.Cap() - b.Len() }

// Write 写入全部数据；剩余空间不足时不写入并返回 ErrTooLarge。
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.Free() {
		return 0, ErrTooLarge
	}
	n := len(p)
	start := b.writePos & b.mask
	end := start + n
	if end <= len(b.buf) {
		copy(b.buf[start:end], p)
	} else {
		l := len(b.buf) - start
		copy(b.buf[start:], p[:l])
		copy(b.buf[:n-l], p[l:])
	}
	b.writePos += n
	return n, nil
}

// WriteString 同 Write
func (b *Buffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// Peek 返回最多 n 字节而不前进读指针。跨越尾部时返回拷贝。
func (b *Buffer) Peek(n int) []byte {
	if n <= 0 {
		return nil
	}
	ln := b.Len()
	if n > ln {
		n = ln
	}
	start := b.readPos & b.mask
	end := start + n
	if end <= len(b.buf) {
		return b.buf[start:end]
	}
	buf := make([]byte, n)
	l := len(b.buf) - start
	copy(buf[:l], b.buf[start:])
	copy(buf[l:], b.buf[:n-l])
	return buf
}

// Discard 前进读指针，返回实际丢弃的字节数。
func (b *Buffer) Discard(n int) int {
	ln := b.Len()
	if n > ln {
		n = ln
	}
	b.readPos += n
	if b.readPos == b.writePos {
		b.readPos, b.writePos = 0, 0
	}
	return n
}

// Reset 清空内容，保留底层存储。
func (b *Buffer) Reset() {
	b.readPos, b.writePos = 0, 0
}
