package sbl

import "fmt"

// Host to target frame layout:
//
//	[Length(1)] [Checksum(1)] [Command(1)] [Payload(0-252)] [0x00]
//
// Length counts command, checksum and length bytes plus the payload;
// the checksum is the 8-bit sum of the command byte and every payload byte.
// There is no escaping: the leading length byte alone delimits frames.
//
// Target to host data responses drop the command byte:
//
//	[Length(1)] [Checksum(1)] [Payload...]
//
// with Length = payload length + 2 and the checksum summed over the payload
// only. Command acknowledgements are the bare two bytes 0x00 0xCC (ACK) or
// 0x00 0x33 (NAK).

// frameChecksum computes the 8-bit additive checksum over a command byte and
// payload. For data responses the command byte is zero.
func frameChecksum(cmd byte, payload []byte) byte {
	sum := cmd
	for _, b := range payload {
		sum += b
	}
	return sum
}

// EncodeCommand builds the wire frame for a command and payload.
func EncodeCommand(cmd Command, payload []byte) ([]byte, error) {
	if len(payload) > MaxTransferSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(payload))
	}

	frame := make([]byte, 0, 4+len(payload))
	frame = append(frame, byte(3+len(payload)))
	frame = append(frame, frameChecksum(byte(cmd), payload))
	frame = append(frame, byte(cmd))
	frame = append(frame, payload...)
	frame = append(frame, 0x00)
	return frame, nil
}

// DecodeAck interprets the target's two-byte command acknowledgement.
// It returns true for ACK, false for NAK, and ErrBadAck for any other pair.
func DecodeAck(resp [2]byte) (bool, error) {
	if resp[0] != 0x00 {
		return false, fmt.Errorf("%w: unexpected prefix 0x%02x", ErrBadAck, resp[0])
	}
	switch resp[1] {
	case deviceAck:
		return true, nil
	case deviceNak:
		return false, nil
	}
	return false, fmt.Errorf("%w: unexpected byte 0x%02x", ErrBadAck, resp[1])
}

// readAck consumes a two-byte acknowledgement from the channel.
func readAck(ch Channel) (bool, error) {
	var resp [2]byte
	for i := range resp {
		b, err := ch.ReadByte()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrChannelIO, err)
		}
		resp[i] = b
	}
	return DecodeAck(resp)
}

// readResponse consumes a header-prefixed data response of at most maxLen
// payload bytes and validates its checksum.
func readResponse(ch Channel, maxLen int) ([]byte, error) {
	length, err := ch.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelIO, err)
	}
	cksum, err := ch.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelIO, err)
	}

	if int(length) < 2 {
		return nil, fmt.Errorf("%w: response length %d too short", ErrBadResponse, length)
	}
	n := int(length) - 2
	if n > maxLen {
		return nil, fmt.Errorf("%w: %d payload bytes, expected at most %d", ErrBadResponse, n, maxLen)
	}

	payload := make([]byte, n)
	for i := range payload {
		b, err := ch.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated after %d of %d payload bytes: %w: %v",
				ErrBadResponse, i, n, ErrChannelIO, err)
		}
		payload[i] = b
	}

	if got := frameChecksum(0, payload); got != cksum {
		return nil, fmt.Errorf("%w: checksum 0x%02x, computed 0x%02x", ErrBadResponse, cksum, got)
	}
	return payload, nil
}

// writeAck sends the host's acknowledgement of a target data response.
func writeAck(ch Channel, ack bool) error {
	resp := [2]byte{0x00, deviceAck}
	if !ack {
		resp[1] = deviceNak
	}
	if err := ch.Write(resp[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelIO, err)
	}
	return nil
}
