// Package transport provides the full-duplex byte channels the gateway talks
// over: serial ports and TCP sockets behind one interface.
package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/w1xm/ptz_rotator/config"
)

// Transport is a byte channel with bounded reads.
type Transport interface {
	Connect() error
	Send(p []byte) error
	// Recv returns at most max bytes. It returns an empty slice and a nil
	// error when nothing arrived within timeout.
	Recv(max int, timeout time.Duration) ([]byte, error)
	Close() error
}

var errNotConnected = errors.New("not connected")

// Error is a connect, send or receive failure.
type Error struct {
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Open builds an unconnected transport for a device configuration.
func Open(d config.Device, logf func(format string, v ...interface{})) (Transport, error) {
	if logf == nil {
		logf = log.Printf
	}
	switch d.Protocol {
	case config.Serial:
		return NewSerial(d.Serial.Port, d.Serial.Baud), nil
	case config.TCP:
		return DialTCP(d.TCP.Addr()), nil
	case config.TCPListen:
		return Listen(d.TCP.Addr(), logf), nil
	}
	return nil, &config.Error{Field: "protocol", Msg: fmt.Sprintf("unknown protocol %q", d.Protocol)}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
