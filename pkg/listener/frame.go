// Package listener implements the resource process's local-socket protocol
// endpoint (spec §4.7, §6.1): a length-prefixed framing over a Unix-domain
// socket, one connection per client, commands dispatched into the pipeline,
// query engine, and synchronizer, with asynchronous notifications pushed
// back on the same connection.
package listener

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFramePayload bounds a single frame's payload so a malformed or hostile
// client can't make the server allocate unbounded memory from a corrupt
// length field.
const maxFramePayload = 64 << 20 // 64 MiB

// frameHeaderSize is the three u32 fields preceding the payload (spec
// §6.1: "little-endian u32 messageId, u32 commandId, u32 payloadLength").
const frameHeaderSize = 12

// Frame is one wire message in either direction.
type Frame struct {
	MessageID uint32
	CommandID CommandID
	Payload   []byte
}

// WriteFrame writes f to w using spec §6.1's framing.
func WriteFrame(w io.Writer, f Frame) error {
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], f.MessageID)
	binary.LittleEndian.PutUint32(header[4:8], uint32(f.CommandID))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(f.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("listener: write frame header: %w", err)
	}
	if len(f.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("listener: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r, blocking until the full header and
// payload have arrived or r returns an error (typically io.EOF on
// disconnect).
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	messageID := binary.LittleEndian.Uint32(header[0:4])
	commandID := binary.LittleEndian.Uint32(header[4:8])
	payloadLen := binary.LittleEndian.Uint32(header[8:12])
	if payloadLen > maxFramePayload {
		return Frame{}, fmt.Errorf("listener: frame payload %d exceeds %d byte limit", payloadLen, maxFramePayload)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("listener: read frame payload: %w", err)
		}
	}
	return Frame{MessageID: messageID, CommandID: CommandID(commandID), Payload: payload}, nil
}
