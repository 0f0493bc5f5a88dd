// Package netutil 非阻塞 TCP 套接字的创建与选项设置。
package netutil

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

func SetNonblock(fd int, nonblock bool) error {
	return unix.SetNonblock(fd, nonblock)
}

func SetNoDelay(fd int, enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

func SetRecvBuf(fd int, n int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, n)
}

func SetSendBuf(fd int, n int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, n)
}

// Sockaddr 将地址转换为 unix.Sockaddr，返回地址族。
func Sockaddr(ap netip.AddrPort) (int, unix.Sockaddr) {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		sa := &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	return unix.AF_INET6, sa
}

// Options 连接时附加的套接字选项，0 表示保持系统默认
type Options struct {
	RecvBuf int
	SendBuf int
}

// Connect 创建非阻塞 TCP 套接字并发起连接。
// inProgress 为 true 时连接尚未完成，需等待可写后用 SocketError 检查结果。
func Connect(ap netip.AddrPort, opts Options) (fd int, inProgress bool, err error) {
	fam, sa := Sockaddr(ap)
	fd, err = unix.Socket(fam, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, false, err
	}
	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, false, err
	}
	_ = SetNoDelay(fd, true)
	if opts.RecvBuf > 0 {
		_ = SetRecvBuf(fd, opts.RecvBuf)
	}
	if opts.SendBuf > 0 {
		_ = SetSendBuf(fd, opts.SendBuf)
	}
	for {
		err = unix.Connect(fd, sa)
		switch err {
		case nil:
			return fd, false, nil
		case unix.EINTR:
			continue
		case unix.EINPROGRESS, unix.EALREADY:
			return fd, true, nil
		}
		unix.Close(fd)
		return -1, false, err
	}
}

// SocketError 读取并清除 SO_ERROR；连接失败时返回对应的 errno。
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func Close(fd int) error { return unix.Close(fd) }
