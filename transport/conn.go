package transport

import (
	"net"
	"sync"
	"time"
)

// Conn adapts a stream connection to Transport. Reads are bounded with read
// deadlines.
type Conn struct {
	addr string
	dial func() (net.Conn, error)

	mu   sync.Mutex
	conn net.Conn
}

// NewConn wraps an established connection, such as one end of net.Pipe.
func NewConn(conn net.Conn) *Conn {
	return &Conn{addr: conn.RemoteAddr().String(), conn: conn}
}

// DialTCP returns a transport that dials addr on Connect.
func DialTCP(addr string) *Conn {
	return &Conn{
		addr: addr,
		dial: func() (net.Conn, error) {
			dialer := &net.Dialer{
				Timeout: time.Second,
			}
			return dialer.Dial("tcp", addr)
		},
	}
}

func (c *Conn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	if c.dial == nil {
		return &Error{Op: "connect", Addr: c.addr, Err: errNotConnected}
	}
	conn, err := c.dial()
	if err != nil {
		return &Error{Op: "connect", Addr: c.addr, Err: err}
	}
	c.conn = conn
	return nil
}

func (c *Conn) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Conn) Send(p []byte) error {
	conn := c.current()
	if conn == nil {
		return &Error{Op: "send", Addr: c.addr, Err: errNotConnected}
	}
	if _, err := conn.Write(p); err != nil {
		return &Error{Op: "send", Addr: c.addr, Err: err}
	}
	return nil
}

func (c *Conn) Recv(max int, timeout time.Duration) ([]byte, error) {
	conn := c.current()
	if conn == nil {
		return nil, &Error{Op: "recv", Addr: c.addr, Err: errNotConnected}
	}
	return recvConn(conn, c.addr, max, timeout)
}

func recvConn(conn net.Conn, addr string, max int, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, &Error{Op: "recv", Addr: addr, Err: err}
	}
	buf := make([]byte, max)
	n, err := conn.Read(buf)
	if err != nil && !isTimeout(err) {
		return buf[:n], &Error{Op: "recv", Addr: addr, Err: err}
	}
	return buf[:n], nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
