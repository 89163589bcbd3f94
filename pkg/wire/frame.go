// Package wire implements the length-prefixed binary framing shared by the
// TCP and QUIC transports. Requests are [length u32][command u32][payload]
// and responses are [status u32][length u32][payload], all little-endian.
// Status 0 is OK; any other status is a code from pkg/streamerr.
package wire

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

// ProtocolVersion is returned by the Ping response. Command codes are
// versioned as a whole: any change to the command surface bumps it.
const ProtocolVersion uint32 = 1

// DefaultMaxFrameSize bounds a single request or response payload.
const DefaultMaxFrameSize = 32 * 1024 * 1024

const (
	requestHeaderSize  = 8
	responseHeaderSize = 8
)

// Request is one decoded request frame.
type Request struct {
	Command uint32
	Payload []byte
}

// ReadRequest reads one request frame. The declared length covers the
// 4-byte command code plus the payload.
func ReadRequest(r io.Reader, maxSize uint32) (Request, error) {
	var header [requestHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Request{}, streamerr.ErrTruncatedFrame
		}
		return Request{}, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	command := binary.LittleEndian.Uint32(header[4:8])
	if length < 4 {
		return Request{}, streamerr.ErrTruncatedFrame
	}
	if length-4 > maxSize {
		return Request{}, streamerr.ErrRequestTooLarge
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Request{}, streamerr.ErrTruncatedFrame
	}
	return Request{Command: command, Payload: payload}, nil
}

// WriteRequest writes one request frame.
func WriteRequest(w io.Writer, command uint32, payload []byte) error {
	buf := make([]byte, requestHeaderSize, requestHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)+4))
	binary.LittleEndian.PutUint32(buf[4:8], command)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// WriteResponse writes one response frame. A nil error means status 0.
func WriteResponse(w io.Writer, err error, payload []byte) error {
	buf := make([]byte, responseHeaderSize, responseHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], streamerr.CodeOf(err))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	buf = append(buf, payload...)
	_, werr := w.Write(buf)
	return werr
}

// ReadResponse reads one response frame and returns its payload. A non-zero
// status is returned as the matching streamerr code.
func ReadResponse(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [responseHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, streamerr.ErrTruncatedFrame
		}
		return nil, err
	}
	status := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > maxSize {
		return nil, streamerr.ErrResponseTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, streamerr.ErrTruncatedFrame
	}
	if status != 0 {
		return payload, &streamerr.Error{Code: status, Message: "server error"}
	}
	return payload, nil
}
