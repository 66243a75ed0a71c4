package binkp

import (
	"fmt"
	"time"
)

// BinkP command ids (§3 of the spec).
const (
	MNul  = 0x00
	MAdr  = 0x01
	MPwd  = 0x02
	MFile = 0x03
	MOk   = 0x04
	MEob  = 0x05
	MGot  = 0x06
	MErr  = 0x07
	MBsy  = 0x08
	MGet  = 0x09
	MSkip = 0x0A
)

var commandNames = map[byte]string{
	MNul:  "M_NUL",
	MAdr:  "M_ADR",
	MPwd:  "M_PWD",
	MFile: "M_FILE",
	MOk:   "M_OK",
	MEob:  "M_EOB",
	MGot:  "M_GOT",
	MErr:  "M_ERR",
	MBsy:  "M_BSY",
	MGet:  "M_GET",
	MSkip: "M_SKIP",
}

// commandName renders a command id for diagnostics only; never used in
// protocol logic, which switches on the numeric id.
func commandName(id byte) string {
	if name, ok := commandNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", id)
}

// maxPayload is the largest payload length a 15-bit length field can hold.
const maxPayload = 0x7FFF

// ChunkSize is the data-frame payload size used when streaming outbound
// file content. Fixed for the lifetime of a session (§4.F).
const ChunkSize = 16384

// Frame is either a command frame (CommandID + Args) or a data frame
// (raw Payload belonging to the most recently announced inbound file).
type Frame struct {
	IsCommand bool
	CommandID byte
	Args      []byte // command frames only
	Payload   []byte // data frames only
}

func (f Frame) String() string {
	if f.IsCommand {
		return fmt.Sprintf("%s %q", commandName(f.CommandID), f.Args)
	}
	return fmt.Sprintf("DATA [%d bytes]", len(f.Payload))
}

// ReadFrame reads a single frame from conn, applying deadline to each
// underlying read.
func ReadFrame(conn Connection, deadline time.Time) (Frame, error) {
	return ReadFrameDeadlines(conn, deadline, deadline)
}

// ReadFrameDeadlines reads a single frame from conn, using headerDeadline
// to bound waiting for a new frame to start and bodyDeadline to bound
// reading the rest of it once the header has arrived. Separating the two
// lets a caller poll for a new frame with a short headerDeadline without
// risking cutting off a frame that has already started arriving.
func ReadFrameDeadlines(conn Connection, headerDeadline, bodyDeadline time.Time) (Frame, error) {
	header, err := conn.ReadU16BE(headerDeadline)
	if err != nil {
		return Frame{}, err
	}

	isCommand := header&0x8000 != 0
	length := int(header & 0x7FFF)

	payload := make([]byte, length)
	if length > 0 {
		if err := readExact(conn, payload, bodyDeadline); err != nil {
			return Frame{}, err
		}
	}

	if isCommand {
		if length == 0 {
			return Frame{}, newProtocolError("command frame with zero-length payload", "")
		}
		return Frame{IsCommand: true, CommandID: payload[0], Args: payload[1:]}, nil
	}
	return Frame{IsCommand: false, Payload: payload}, nil
}

func readExact(conn Connection, buf []byte, deadline time.Time) error {
	read := 0
	for read < len(buf) {
		n, err := conn.Receive(buf[read:], deadline)
		if n > 0 {
			read += n
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return newConnError("receive", "closed", nil)
		}
	}
	return nil
}

// WriteCommand writes a command frame with the given id and ASCII/UTF-8
// argument bytes (no trailing NUL).
func WriteCommand(conn Connection, deadline time.Time, id byte, args []byte) error {
	payloadLen := 1 + len(args)
	if payloadLen > maxPayload {
		return newProtocolError("command payload too large", fmt.Sprintf("%d bytes", payloadLen))
	}
	header := uint16(0x8000 | payloadLen)
	buf := make([]byte, 2+payloadLen)
	buf[0] = byte(header >> 8)
	buf[1] = byte(header)
	buf[2] = id
	copy(buf[3:], args)
	return writeAll(conn, buf, deadline)
}

// WriteCommandString is a convenience for textual command args.
func WriteCommandString(conn Connection, deadline time.Time, id byte, args string) error {
	return WriteCommand(conn, deadline, id, []byte(args))
}

// WriteData writes a data frame. Callers must split payloads larger than
// ChunkSize/maxPayload themselves; 0-length data frames are rejected here
// since they carry no information and the base spec reserves length 0 for
// nothing meaningful.
func WriteData(conn Connection, deadline time.Time, data []byte) error {
	if len(data) == 0 || len(data) > maxPayload {
		return newProtocolError("data payload out of range", fmt.Sprintf("%d bytes", len(data)))
	}
	header := uint16(len(data))
	buf := make([]byte, 2+len(data))
	buf[0] = byte(header >> 8)
	buf[1] = byte(header)
	copy(buf[2:], data)
	return writeAll(conn, buf, deadline)
}

func writeAll(conn Connection, buf []byte, deadline time.Time) error {
	written := 0
	for written < len(buf) {
		n, err := conn.Send(buf[written:], deadline)
		if n > 0 {
			written += n
		}
		if err != nil {
			return err
		}
	}
	return nil
}
