package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var errNoClient = errors.New("no client connected")

// Listener accepts tracking clients on a TCP port. One client is served at a
// time; a new connection replaces the previous one.
type Listener struct {
	addr string
	logf func(format string, v ...interface{})

	mu   sync.Mutex
	ln   net.Listener
	conn net.Conn
	g    *errgroup.Group
}

func Listen(addr string, logf func(format string, v ...interface{})) *Listener {
	return &Listener{addr: addr, logf: logf}
}

func (l *Listener) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return &Error{Op: "listen", Addr: l.addr, Err: err}
	}
	l.ln = ln
	l.g = &errgroup.Group{}
	l.g.Go(func() error {
		return l.accept(ln)
	})
	return nil
}

// Addr returns the bound address, or nil before Connect.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) accept(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			l.logf("failed to accept: %v", err)
			continue
		}
		l.logf("accepted connection from %v", conn.RemoteAddr())
		l.mu.Lock()
		old := l.conn
		l.conn = conn
		l.mu.Unlock()
		if old != nil {
			l.logf("replacing connection from %v", old.RemoteAddr())
			old.Close()
		}
	}
}

func (l *Listener) current() net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *Listener) drop(conn net.Conn) {
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()
	conn.Close()
}

func (l *Listener) Send(p []byte) error {
	conn := l.current()
	if conn == nil {
		return &Error{Op: "send", Addr: l.addr, Err: errNoClient}
	}
	if _, err := conn.Write(p); err != nil {
		l.drop(conn)
		return &Error{Op: "send", Addr: l.addr, Err: err}
	}
	return nil
}

// Recv waits for the timeout when no client is connected. A client that
// hangs up is dropped and reported as no data.
func (l *Listener) Recv(max int, timeout time.Duration) ([]byte, error) {
	conn := l.current()
	if conn == nil {
		time.Sleep(timeout)
		return nil, nil
	}
	data, err := recvConn(conn, l.addr, max, timeout)
	if err != nil {
		l.logf("closing connection from %v: %v", conn.RemoteAddr(), err)
		l.drop(conn)
		return data, nil
	}
	return data, nil
}

func (l *Listener) Close() error {
	l.mu.Lock()
	ln, conn, g := l.ln, l.conn, l.g
	l.ln, l.conn, l.g = nil, nil, nil
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	if conn != nil {
		conn.Close()
	}
	g.Wait()
	return err
}
