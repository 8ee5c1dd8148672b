// Package pelco speaks Pelco-D to a pan-tilt head.
//
// Every Pelco-D frame is seven bytes:
//
//	0xFF address cmd1 cmd2 data1 data2 checksum
//
// where checksum is the sum of bytes 1 through 5 modulo 256.
package pelco

import "errors"

const (
	StartByte      = 0xFF
	DefaultAddress = 0x01
	FrameLength    = 7
)

// Extended command codes in cmd2.
const (
	QueryPan  byte = 0x51
	QueryTilt byte = 0x53
	SetPan    byte = 0x4B
	SetTilt   byte = 0x4D

	// Replies to QueryPan and QueryTilt.
	PanResponse  byte = 0x59
	TiltResponse byte = 0x5B
)

// Basic motion codes in cmd2.
const (
	MoveStop  byte = 0x00
	MoveRight byte = 0x02
	MoveLeft  byte = 0x04
	MoveUp    byte = 0x08
	MoveDown  byte = 0x10
)

var (
	ErrFrameLength = errors.New("pelco: bad frame length")
	ErrStartByte   = errors.New("pelco: bad start byte")
	ErrChecksum    = errors.New("pelco: checksum mismatch")
)

// Packet is a decoded Pelco-D frame.
type Packet struct {
	Address  byte
	Cmd1     byte
	Cmd2     byte
	Data1    byte
	Data2    byte
	Checksum byte
}

// Value returns the 16-bit big-endian payload.
func (p Packet) Value() uint16 {
	return uint16(p.Data1)<<8 | uint16(p.Data2)
}

func checksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return sum
}

// Encode builds a frame.
func Encode(address, cmd1, cmd2, data1, data2 byte) []byte {
	frame := []byte{StartByte, address, cmd1, cmd2, data1, data2, 0}
	frame[6] = checksum(frame[1:6])
	return frame
}

// Decode parses and checks a frame.
func Decode(frame []byte) (Packet, error) {
	if len(frame) != FrameLength {
		return Packet{}, ErrFrameLength
	}
	if frame[0] != StartByte {
		return Packet{}, ErrStartByte
	}
	if checksum(frame[1:6]) != frame[6] {
		return Packet{}, ErrChecksum
	}
	return Packet{
		Address:  frame[1],
		Cmd1:     frame[2],
		Cmd2:     frame[3],
		Data1:    frame[4],
		Data2:    frame[5],
		Checksum: frame[6],
	}, nil
}

// Validate reports whether frame is a well-formed Pelco-D frame.
func Validate(frame []byte) bool {
	_, err := Decode(frame)
	return err == nil
}
