package aio

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

const listenBacklog = 128

// Listen creates listening tcp socket bound to ipPort. Returns socket fd and
// the bound port (useful when ipPort asks for port 0).
func Listen(ipPort string) (int, int, error) {
	sa, err := resolveTCPAddr(ipPort)
	if err != nil {
		return 0, 0, err
	}
	fd, err := bind(sa)
	if err != nil {
		return 0, 0, fmt.Errorf("bind %s: %w", ipPort, err)
	}
	port, err := boundPort(fd)
	if err != nil {
		_ = unix.Close(fd)
		return 0, 0, err
	}
	return fd, port, nil
}

func resolveTCPAddr(ipPort string) (syscall.Sockaddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", ipPort)
	if err != nil {
		return nil, err
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		so := &syscall.SockaddrInet4{Port: addr.Port}
		copy(so.Addr[:], ip4)
		return so, nil
	}
	so := &syscall.SockaddrInet6{Port: addr.Port}
	copy(so.Addr[:], addr.IP.To16())
	return so, nil
}

func bind(sa syscall.Sockaddr) (int, error) {
	domain := syscall.AF_INET
	if _, ok := sa.(*syscall.SockaddrInet6); ok {
		domain = syscall.AF_INET6
	}
	fd, err := syscall.Socket(domain, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		_ = syscall.Close(fd)
		return 0, err
	}
	if err := syscall.Bind(fd, sa); err != nil {
		_ = syscall.Close(fd)
		return 0, err
	}
	if err := syscall.Listen(fd, listenBacklog); err != nil {
		_ = syscall.Close(fd)
		return 0, err
	}
	return fd, nil
}

func boundPort(fd int) (int, error) {
	sa, err := syscall.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *syscall.SockaddrInet4:
		return a.Port, nil
	case *syscall.SockaddrInet6:
		return a.Port, nil
	}
	return 0, fmt.Errorf("unexpected socket address %T", sa)
}

// CloseFd shuts down both directions of the connected socket and closes it.
// Shutdown wakes up operations still in flight on the socket so they
// complete.
func CloseFd(fd int) error {
	if err := unix.Shutdown(fd, unix.SHUT_RDWR); err != nil && err != unix.ENOTCONN {
		_ = unix.Close(fd)
		return err
	}
	return unix.Close(fd)
}
