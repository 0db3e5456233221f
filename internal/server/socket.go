package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultBacklog is the listen(2) backlog used when none is configured.
const DefaultBacklog = 10

// sysCalls is the slice of the socket API the listener needs. Tests
// substitute it to force a failure at each startup step.
type sysCalls interface {
	Socket(domain, typ, proto int) (int, error)
	SetsockoptInt(fd, level, opt, value int) error
	Bind(fd int, sa unix.Sockaddr) error
	Listen(fd, backlog int) error
	Close(fd int) error
	FileListener(f *os.File) (net.Listener, error)
}

type unixSysCalls struct{}

func (unixSysCalls) Socket(domain, typ, proto int) (int, error) { return unix.Socket(domain, typ, proto) }
func (unixSysCalls) SetsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}
func (unixSysCalls) Bind(fd int, sa unix.Sockaddr) error           { return unix.Bind(fd, sa) }
func (unixSysCalls) Listen(fd, backlog int) error                  { return unix.Listen(fd, backlog) }
func (unixSysCalls) Close(fd int) error                            { return unix.Close(fd) }
func (unixSysCalls) FileListener(f *os.File) (net.Listener, error) { return net.FileListener(f) }

// ListeningSocket owns the server's listening descriptor. It is a raw
// IPv4 stream socket until Listen hands it to the runtime poller.
type ListeningSocket struct {
	sys sysCalls

	mu     sync.Mutex
	fd     int // -1 once released or handed to ln
	ln     net.Listener
	addr   *net.TCPAddr
	closed bool
}

// OpenListeningSocket runs create, bind and listen in order. On any
// failure everything acquired so far is released before returning.
func OpenListeningSocket(ip net.IP, port, backlog int) (*ListeningSocket, error) {
	return openListeningSocket(unixSysCalls{}, ip, port, backlog)
}

func openListeningSocket(sys sysCalls, ip net.IP, port, backlog int) (_ *ListeningSocket, err error) {
	s, err := createSocket(sys)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if err := s.Bind(ip, port); err != nil {
		return nil, err
	}
	if err := s.Listen(backlog); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateSocket allocates an IPv4 TCP socket with SO_REUSEADDR set.
func CreateSocket() (*ListeningSocket, error) {
	return createSocket(unixSysCalls{})
}

func createSocket(sys sysCalls) (*ListeningSocket, error) {
	fd, err := sys.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, &SocketError{Op: "socket", Kind: SocketCreateFailure, Err: os.NewSyscallError("socket", err)}
	}
	if err := sys.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = sys.Close(fd)
		return nil, &SocketError{Op: "socket", Kind: SocketCreateFailure, Err: os.NewSyscallError("setsockopt", err)}
	}
	return &ListeningSocket{sys: sys, fd: fd}, nil
}

// Bind assigns ip:port to the socket. Port 0 picks an ephemeral port.
func (s *ListeningSocket) Bind(ip net.IP, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fd < 0 {
		return &SocketError{Op: "bind", Kind: BindFailure, Err: net.ErrClosed}
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return &SocketError{Op: "bind", Kind: BindInvalidAddress, Err: fmt.Errorf("%v is not an IPv4 address", ip)}
	}
	if port < 0 || port > 65535 {
		return &SocketError{Op: "bind", Kind: BindInvalidAddress, Err: fmt.Errorf("port %d out of range", port)}
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)
	if err := s.sys.Bind(s.fd, sa); err != nil {
		return &SocketError{Op: "bind", Kind: bindErrorKind(err), Err: os.NewSyscallError("bind", err)}
	}
	s.addr = &net.TCPAddr{IP: ip4, Port: port}
	return nil
}

// Listen marks the socket passive and hands the descriptor to the
// runtime poller. After Listen the raw descriptor is no longer owned
// by s; the net.Listener is.
func (s *ListeningSocket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fd < 0 {
		return &SocketError{Op: "listen", Kind: ListenFailure, Err: net.ErrClosed}
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if err := s.sys.Listen(s.fd, backlog); err != nil {
		return &SocketError{Op: "listen", Kind: ListenFailure, Err: os.NewSyscallError("listen", err)}
	}

	// FileListener dups the descriptor, so the file is closed either way.
	f := os.NewFile(uintptr(s.fd), "sofd-listener")
	s.fd = -1
	ln, err := s.sys.FileListener(f)
	_ = f.Close()
	if err != nil {
		return &SocketError{Op: "listen", Kind: ListenFailure, Err: err}
	}

	s.ln = ln
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.addr = tcp
	}
	return nil
}

// Accept waits for the next connection. It returns net.ErrClosed once
// the socket is closed; other failures are retryable SocketErrors.
func (s *ListeningSocket) Accept() (net.Conn, error) {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil, net.ErrClosed
	}

	conn, err := ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, net.ErrClosed
		}
		return nil, &SocketError{Op: "accept", Kind: AcceptFailure, Err: err}
	}
	return conn, nil
}

// Addr is the bound address, or nil before Bind.
func (s *ListeningSocket) Addr() *net.TCPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Close releases the descriptor. It is safe to call more than once and
// on a nil socket.
func (s *ListeningSocket) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.ln != nil {
		err = s.ln.Close()
		s.ln = nil
	}
	if s.fd >= 0 {
		err = s.sys.Close(s.fd)
		s.fd = -1
	}
	return err
}
