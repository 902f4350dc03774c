package sbl

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/ccflash/ccflash/pkg/device"
)

// Engine state machine states
const (
	stateDisconnected = iota
	stateConnected
	stateDownloading
	stateErrored
)

type engineState int

func (s engineState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnected:
		return "connected"
	case stateDownloading:
		return "downloading"
	case stateErrored:
		return "errored"
	}
	return "unknown"
}

// Engine drives the ROM serial bootloader over a byte channel. All
// operations are synchronous and must be issued from a single goroutine.
//
// Validation failures (wrong state, bad address, oversized chunk) are
// reported before any wire traffic and leave the engine state unchanged.
// Once a frame hits the wire, any failure latches the engine in a terminal
// errored state in which only Close remains valid: the target's ack/status
// sequencing cannot be resynchronised mid-session. The one exception is a
// SendData whose handshake completed but whose status poll reported a
// non-SUCCESS code: the download window stays open so the chunk can be sent
// again.
type Engine struct {
	ch        Channel
	family    device.Family
	log       *log.Logger
	state     engineState
	remaining uint32
}

// New creates an engine over an exclusively owned byte channel. The engine
// starts disconnected; Connect must succeed before any other operation.
func New(ch Channel, family device.Family, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		ch:     ch,
		family: family,
		log:    logger,
		state:  stateDisconnected,
	}
}

// Family returns the device family the engine was created for.
func (e *Engine) Family() device.Family {
	return e.family
}

// Close releases the byte channel. The engine is unusable afterwards.
func (e *Engine) Close() error {
	e.state = stateErrored
	return e.ch.Close()
}

// Connect performs the autobaud handshake: two 0x55 bytes that the target
// uses to calibrate its UART bit timing, answered by a bare two-byte ack.
// Valid exactly once per session.
func (e *Engine) Connect() error {
	if e.state != stateDisconnected {
		return fmt.Errorf("%w: connect while %s", ErrStateViolation, e.state)
	}

	e.log.Debug("TX autobaud", "bytes", "5555")
	if err := e.ch.Write([]byte{autobaudByte, autobaudByte}); err != nil {
		e.state = stateErrored
		return fmt.Errorf("%w: %v", ErrChannelIO, err)
	}
	if err := e.expectAck(); err != nil {
		e.state = stateErrored
		return err
	}

	e.state = stateConnected
	e.log.Debug("connected")
	return nil
}

// Ping sends the ack-only PING command as a liveness probe.
func (e *Engine) Ping() error {
	if e.state != stateConnected {
		return fmt.Errorf("%w: ping while %s", ErrStateViolation, e.state)
	}
	return e.command(CmdPing, nil)
}

// GetChipID reads the target's 32-bit chip identifier.
func (e *Engine) GetChipID() (uint32, error) {
	if e.state != stateConnected {
		return 0, fmt.Errorf("%w: get chip id while %s", ErrStateViolation, e.state)
	}

	if err := e.command(CmdGetChipID, nil); err != nil {
		return 0, err
	}
	resp, err := e.response(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(resp), nil
}

// SectorErase erases the flash page starting at addr. The address must be
// page-aligned and inside the device's flash.
func (e *Engine) SectorErase(addr uint32) error {
	if e.state != stateConnected {
		return fmt.Errorf("%w: sector erase while %s", ErrStateViolation, e.state)
	}
	pageSize := e.family.PageSize()
	if addr%pageSize != 0 || !e.family.AddressInFlash(addr, pageSize) {
		return fmt.Errorf("%w: erase address 0x%08x", ErrOutOfRange, addr)
	}

	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], addr)
	if err := e.command(CmdSectorErase, payload[:]); err != nil {
		return err
	}
	return e.statusSuccess()
}

// StartDownload declares the address window for a following sequence of
// SendData chunks. The base must be page-aligned and the whole window must
// fit in flash.
func (e *Engine) StartDownload(base, size uint32) error {
	if e.state != stateConnected {
		return fmt.Errorf("%w: start download while %s", ErrStateViolation, e.state)
	}
	if base%e.family.PageSize() != 0 || !e.family.AddressInFlash(base, size) {
		return fmt.Errorf("%w: download window 0x%08x+%d", ErrOutOfRange, base, size)
	}

	var payload [8]byte
	binary.BigEndian.PutUint32(payload[0:4], base)
	binary.BigEndian.PutUint32(payload[4:8], size)
	if err := e.command(CmdDownload, payload[:]); err != nil {
		return err
	}
	if err := e.statusSuccess(); err != nil {
		return err
	}

	e.remaining = size
	if e.remaining > 0 {
		e.state = stateDownloading
	}
	return nil
}

// SendData streams one chunk of the current download window to the target.
// When the window is exhausted the engine returns to the connected state.
func (e *Engine) SendData(chunk []byte) error {
	if e.state != stateDownloading {
		return fmt.Errorf("%w: send data without open download window", ErrStateViolation)
	}
	if len(chunk) > MaxTransferSize {
		return fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(chunk))
	}
	if len(chunk) == 0 {
		return fmt.Errorf("%w: empty data chunk", ErrStateViolation)
	}
	if uint32(len(chunk)) > e.remaining {
		return fmt.Errorf("%w: chunk of %d bytes exceeds %d remaining in window",
			ErrStateViolation, len(chunk), e.remaining)
	}

	if err := e.command(CmdSendData, chunk); err != nil {
		return err
	}
	status, err := e.GetStatus()
	if err != nil {
		return err
	}
	if status != StatusSuccess {
		// The handshake completed in order, so the window stays open and
		// the same chunk may be sent again. Retry policy lives in the
		// driver, never here.
		return &StatusError{Code: status}
	}

	e.remaining -= uint32(len(chunk))
	if e.remaining == 0 {
		e.state = stateConnected
	}
	return nil
}

// CRC32 asks the target to compute a CRC-32 over size bytes of flash at
// addr and returns the result.
func (e *Engine) CRC32(addr, size uint32) (uint32, error) {
	if e.state != stateConnected {
		return 0, fmt.Errorf("%w: crc32 while %s", ErrStateViolation, e.state)
	}

	// 4B address, 4B size, 4B repeat count (always 0)
	var payload [12]byte
	binary.BigEndian.PutUint32(payload[0:4], addr)
	binary.BigEndian.PutUint32(payload[4:8], size)
	if err := e.command(CmdCRC32, payload[:]); err != nil {
		return 0, err
	}
	resp, err := e.response(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(resp), nil
}

// GetStatus polls the target for the result of the last command.
func (e *Engine) GetStatus() (Status, error) {
	if e.state == stateDisconnected || e.state == stateErrored {
		return 0, fmt.Errorf("%w: get status while %s", ErrStateViolation, e.state)
	}

	if err := e.command(CmdGetStatus, nil); err != nil {
		return 0, err
	}
	resp, err := e.response(1)
	if err != nil {
		return 0, err
	}
	return Status(resp[0]), nil
}

// command encodes and transmits a frame, then consumes the target's ack.
func (e *Engine) command(cmd Command, payload []byte) error {
	frame, err := EncodeCommand(cmd, payload)
	if err != nil {
		return err
	}

	e.log.Debug("TX", "cmd", cmd, "frame", hex.EncodeToString(frame))
	if err := e.ch.Write(frame); err != nil {
		e.state = stateErrored
		return fmt.Errorf("%w: %v", ErrChannelIO, err)
	}
	return e.expectAck()
}

// expectAck reads the two-byte acknowledgement and requires an ACK.
func (e *Engine) expectAck() error {
	ack, err := readAck(e.ch)
	if err != nil {
		e.state = stateErrored
		return err
	}
	if !ack {
		e.state = stateErrored
		return fmt.Errorf("%w: target sent NAK", ErrBadAck)
	}
	e.log.Debug("RX ack")
	return nil
}

// response reads a data response of exactly n payload bytes and
// acknowledges it to the target.
func (e *Engine) response(n int) ([]byte, error) {
	resp, err := readResponse(e.ch, n)
	if err == nil && len(resp) != n {
		err = fmt.Errorf("%w: %d payload bytes, expected %d", ErrBadResponse, len(resp), n)
	}
	if err != nil {
		e.state = stateErrored
		writeAck(e.ch, false)
		return nil, err
	}
	e.log.Debug("RX", "payload", hex.EncodeToString(resp))
	if err := writeAck(e.ch, true); err != nil {
		e.state = stateErrored
		return nil, err
	}
	return resp, nil
}

// statusSuccess issues GET_STATUS and requires SUCCESS, the qualification
// step after every acked flash-mutating command.
func (e *Engine) statusSuccess() error {
	status, err := e.GetStatus()
	if err != nil {
		return err
	}
	if status != StatusSuccess {
		e.state = stateErrored
		return &StatusError{Code: status}
	}
	return nil
}
