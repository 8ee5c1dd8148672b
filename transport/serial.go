package transport

import (
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// readTick is the port-level read timeout. Recv polls in ticks of this size
// until its own deadline passes. termios timeouts have 100ms resolution.
const readTick = 100 * time.Millisecond

// SerialPort is a Transport over a local serial port.
type SerialPort struct {
	name string
	baud int

	mu sync.Mutex
	s  *serial.Port
}

func NewSerial(name string, baud int) *SerialPort {
	return &SerialPort{name: name, baud: baud}
}

func (p *SerialPort) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.s != nil {
		return nil
	}
	c := &serial.Config{Name: p.name, Baud: p.baud, ReadTimeout: readTick}
	s, err := serial.OpenPort(c)
	if err != nil {
		return &Error{Op: "open", Addr: p.name, Err: err}
	}
	p.s = s
	return nil
}

func (p *SerialPort) port() *serial.Port {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s
}

func (p *SerialPort) Send(b []byte) error {
	s := p.port()
	if s == nil {
		return &Error{Op: "send", Addr: p.name, Err: errNotConnected}
	}
	if _, err := s.Write(b); err != nil {
		return &Error{Op: "send", Addr: p.name, Err: err}
	}
	return nil
}

func (p *SerialPort) Recv(max int, timeout time.Duration) ([]byte, error) {
	s := p.port()
	if s == nil {
		return nil, &Error{Op: "recv", Addr: p.name, Err: errNotConnected}
	}
	return readUntil(s, p.name, max, timeout)
}

// readUntil collects up to max bytes from a reader whose Read returns empty
// after a short timeout. It stops at the first quiet read once data has
// arrived, or when the deadline passes.
func readUntil(r io.Reader, name string, max int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, max)
	chunk := make([]byte, max)
	for len(buf) < max {
		n, err := r.Read(chunk[:max-len(buf)])
		buf = append(buf, chunk[:n]...)
		if err != nil && err != io.EOF {
			return buf, &Error{Op: "recv", Addr: name, Err: err}
		}
		if n == 0 && (len(buf) > 0 || !time.Now().Before(deadline)) {
			break
		}
	}
	return buf, nil
}

func (p *SerialPort) Close() error {
	p.mu.Lock()
	s := p.s
	p.s = nil
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
