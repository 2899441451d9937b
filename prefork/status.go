package prefork

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Status frames flow from a process worker to its supervisor over the pipe
// passed as StatusFD.
//
// Frame format (8-byte header + payload):
// +--------+--------+--------+--------+--------+--------+--------+--------+
// | Magic (4 bytes)                   | Ver    | Type   | PayloadLen     |
// +--------+--------+--------+--------+--------+--------+--------+--------+
// | Payload: protobuf-encoded google.protobuf.Struct                      |
// +--------+--------+--------+--------+--------+--------+--------+--------+

const (
	// StatusFD is the descriptor a process worker writes status frames to
	StatusFD = 4

	statusMagic   uint32 = 0x484c5300 // "HLS\0"
	statusVersion byte   = 0x01

	statusHeaderSize = 8
	maxStatusPayload = 1<<16 - 1
)

// Status frame types
const (
	TypeReady byte = 0x01 // worker attached to the socket and is about to accept
	TypeState byte = 0x02 // lifecycle transition
)

var (
	ErrInvalidMagic   = errors.New("status: invalid magic number")
	ErrInvalidVersion = errors.New("status: unsupported version")
	ErrFrameTooLarge  = errors.New("status: frame too large")
)

// StatusMessage is one worker status report
type StatusMessage struct {
	Type   byte
	Slot   int
	PID    int
	State  State
	Detail string
}

// WriteStatus encodes m as one frame on w
func WriteStatus(w io.Writer, m StatusMessage) error {
	payload, err := encodeStatus(m)
	if err != nil {
		return err
	}
	if len(payload) > maxStatusPayload {
		return ErrFrameTooLarge
	}

	buf := make([]byte, statusHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], statusMagic)
	buf[4] = statusVersion
	buf[5] = m.Type
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(payload)))
	copy(buf[statusHeaderSize:], payload)

	_, err = w.Write(buf)
	return err
}

// ReadStatus reads the next frame from r. It returns io.EOF when the worker
// closed its end between frames.
func ReadStatus(r io.Reader) (StatusMessage, error) {
	var header [statusHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return StatusMessage{}, err
	}

	if binary.BigEndian.Uint32(header[0:4]) != statusMagic {
		return StatusMessage{}, ErrInvalidMagic
	}
	if header[4] != statusVersion {
		return StatusMessage{}, ErrInvalidVersion
	}

	payload := make([]byte, binary.BigEndian.Uint16(header[6:8]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return StatusMessage{}, fmt.Errorf("status: short payload: %w", err)
	}

	m, err := decodeStatus(payload)
	if err != nil {
		return StatusMessage{}, err
	}
	m.Type = header[5]
	return m, nil
}

func encodeStatus(m StatusMessage) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"slot":   m.Slot,
		"pid":    m.PID,
		"state":  m.State.String(),
		"detail": m.Detail,
	})
	if err != nil {
		return nil, fmt.Errorf("status: encode: %w", err)
	}
	return proto.Marshal(s)
}

func decodeStatus(payload []byte) (StatusMessage, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(payload, &s); err != nil {
		return StatusMessage{}, fmt.Errorf("status: decode: %w", err)
	}

	fields := s.GetFields()
	return StatusMessage{
		Slot:   int(fields["slot"].GetNumberValue()),
		PID:    int(fields["pid"].GetNumberValue()),
		State:  ParseState(fields["state"].GetStringValue()),
		Detail: fields["detail"].GetStringValue(),
	}, nil
}
