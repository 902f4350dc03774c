// Package uart provides the serial byte channel the bootloader engine
// drives: a blocking byte-oriented view of a UART opened at 8N1.
package uart

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the rate the ROM bootloader is normally driven at.
const DefaultBaudRate = 115200

// readTimeout bounds a single byte read so a dead target surfaces as an
// error instead of hanging the session.
const readTimeout = 3 * time.Second

// Port is a byte channel over a serial device.
type Port struct {
	port serial.Port
	buf  [1]byte
}

// Open opens and configures the serial device. The returned port is ready
// for the bootloader's autobaud handshake.
func Open(devicePath string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", devicePath, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{port: port}, nil
}

// ReadByte reads a single byte, blocking until one arrives or the read
// timeout expires.
func (p *Port) ReadByte() (byte, error) {
	n, err := p.port.Read(p.buf[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		// A zero-length read with no error is the timeout case.
		return 0, fmt.Errorf("read timeout: %w", io.ErrNoProgress)
	}
	return p.buf[0], nil
}

// WriteByte writes a single byte.
func (p *Port) WriteByte(b byte) error {
	return p.Write([]byte{b})
}

// Write writes the whole buffer.
func (p *Port) Write(data []byte) error {
	for len(data) > 0 {
		n, err := p.port.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Close releases the serial device.
func (p *Port) Close() error {
	return p.port.Close()
}
