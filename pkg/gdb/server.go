// Package gdb provides the remote-debugging transport: a TCP listener that
// accepts a single debugger connection and the GDB remote serial protocol
// packet framing used over it.
package gdb

import (
	"net"
	"sync"
	"syscall"

	"github.com/SuchAFuriousDeath/obliteration/internal/errx"
)

// Server is a bound TCP listener accepting debugger connections. Only one
// accepted client may be outstanding at a time; a second Accept while a
// client is active is refused with ErrClientActive, never queued or
// silently dropped.
type Server struct {
	ln net.Listener
	fd int

	mu     sync.Mutex
	active bool
	closed bool
}

// Listen binds a debugger listener on addr (host:port). Parse and bind
// failures surface as errors.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errx.Wrap(ErrListen, err)
	}

	fd, err := socketFd(ln.(*net.TCPListener))
	if err != nil {
		ln.Close()
		return nil, err
	}

	return &Server{ln: ln, fd: fd}, nil
}

// Addr returns the bound listen address, including the resolved port when
// the caller bound port 0.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Socket returns the listener descriptor for readiness polling.
func (s *Server) Socket() int {
	return s.fd
}

// Accept blocks until one debugger connects and returns the connection.
// The client's ownership moves to the caller; the server refuses further
// accepts until that client is closed.
func (s *Server) Accept() (*Client, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	if s.active {
		s.mu.Unlock()
		return nil, ErrClientActive
	}
	s.active = true
	s.mu.Unlock()

	conn, err := s.ln.Accept()
	if err != nil {
		s.release()
		return nil, errx.Wrap(ErrAccept, err)
	}

	client, err := newClient(conn, s.release)
	if err != nil {
		conn.Close()
		s.release()
		return nil, err
	}
	return client, nil
}

func (s *Server) release() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Close stops listening. An already accepted client stays usable.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.ln.Close()
}

func socketFd(conn syscall.Conn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, errx.Wrap(ErrSocket, err)
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, errx.Wrap(ErrSocket, err)
	}
	return fd, nil
}
