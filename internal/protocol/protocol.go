// Package protocol defines the control-plane wire format shared by the
// camtrail client and server. Every multi-byte integer is big-endian; the
// grammar is defined by the constants and helpers in this file.
package protocol

import "encoding/binary"

// Identifier is the single byte that opens every TCP connection and tells
// the server which kind of connection it is looking at.
type Identifier byte

const (
	// IdentifierManagement opens a control connection: all further traffic
	// on it is discrete command messages, never raw video.
	IdentifierManagement Identifier = 'm'
	// IdentifierCamera opens a stream connection: all further traffic on it
	// is back-to-back raw frames of a known, fixed size.
	IdentifierCamera Identifier = 'c'
)

// Command is the two-byte tag that opens a control-connection message from
// client to server. The start/stop/shutdown signals are single bytes
// instead and are handled separately below.
type Command [2]byte

var (
	// CmdGetResolution requests the server's default resolution. The server
	// replies with an encoded Resolution (no command tag on the reply).
	CmdGetResolution = Command{'g', 'r'}
	// CmdSetResolution is followed by an encoded Resolution: the client's
	// custom capture resolution.
	CmdSetResolution = Command{'s', 'r'}
	// CmdSetFPS is followed by a single byte: the client's frames per second.
	CmdSetFPS = Command{'s', 'f'}
)

// Single-byte control messages. StartStream doubles as both the client's
// start request and the server's ready acknowledgement; StopStream and
// Shutdown only ever flow server to client.
const (
	StartStream byte = 0x01 // one-byte true
	StopStream  byte = 0x00 // one-byte false
	Shutdown    byte = 'q'
)

// Resolution is the wire encoding of a frame's height and width, always in
// that order, each a big-endian uint16.
type Resolution struct {
	Height uint16
	Width  uint16
}

// EncodeResolution returns the 4-byte wire form of r.
func EncodeResolution(r Resolution) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], r.Height)
	binary.BigEndian.PutUint16(buf[2:4], r.Width)
	return buf
}

// DecodeResolution parses the 4-byte wire form produced by EncodeResolution.
// buf must be exactly 4 bytes.
func DecodeResolution(buf []byte) Resolution {
	return Resolution{
		Height: binary.BigEndian.Uint16(buf[0:2]),
		Width:  binary.BigEndian.Uint16(buf[2:4]),
	}
}

// ResolutionSize is the wire length of an encoded Resolution.
const ResolutionSize = 4

// EncodeFPS returns the 1-byte wire form of an frames-per-second value.
// Values above 255 saturate to 255.
func EncodeFPS(fps int) byte {
	if fps > 255 {
		return 255
	}
	if fps < 0 {
		return 0
	}
	return byte(fps)
}

// FrameByteLen returns the exact number of bytes one raw frame occupies on
// the stream connection: row-major, three channels per pixel, no header.
func FrameByteLen(height, width int) int {
	return height * width * 3
}
