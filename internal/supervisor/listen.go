package supervisor

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	deperrors "certdepot/internal/errors"
)

// Listen binds a TCP socket on host:port with a pending-connection queue of
// backlog. net.Listen always uses the system maximum, so the socket is built
// by hand.
func Listen(host string, port, backlog int) (*net.TCPListener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ip, err := resolve(host)
	if err != nil {
		return nil, bindError(addr, err)
	}

	domain := unix.AF_INET
	var sa unix.Sockaddr
	if v4 := ip.To4(); v4 != nil {
		inet4 := &unix.SockaddrInet4{Port: port}
		copy(inet4.Addr[:], v4)
		sa = inet4
	} else {
		domain = unix.AF_INET6
		inet6 := &unix.SockaddrInet6{Port: port}
		copy(inet6.Addr[:], ip.To16())
		sa = inet6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, bindError(addr, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, bindError(addr, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, bindError(addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, bindError(addr, err)
	}

	f := os.NewFile(uintptr(fd), "depot-listener")
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, bindError(addr, err)
	}
	return ln.(*net.TCPListener), nil
}

func resolve(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	resolved, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return nil, err
	}
	return resolved.IP, nil
}

func bindError(addr string, err error) error {
	return deperrors.New("listen", deperrors.KindBind, fmt.Errorf("%w %s: %v", deperrors.ErrBind, addr, err))
}
