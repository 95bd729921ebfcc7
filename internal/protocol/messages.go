package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrMalformed       = errors.New("malformed packet")
	ErrPayloadTooLarge = errors.New("data payload exceeds block size")
)

// Packet is one of *ReadRequest, *WriteRequest, *Data, *Ack or *Error.
type Packet interface {
	Opcode() Opcode
}

// --- Packet types ---

type ReadRequest struct {
	Filename string
	Mode     Mode
}

type WriteRequest struct {
	Filename string
	Mode     Mode
}

type Data struct {
	Block   uint16
	Payload []byte
}

type Ack struct {
	Block uint16
}

// Error is both the ERROR packet and the error value a transfer fails with,
// so a peer's error can be returned to callers unchanged.
type Error struct {
	Code    ErrorCode
	Message string
}

func (*ReadRequest) Opcode() Opcode  { return OpReadRequest }
func (*WriteRequest) Opcode() Opcode { return OpWriteRequest }
func (*Data) Opcode() Opcode         { return OpData }
func (*Ack) Opcode() Opcode          { return OpAck }
func (*Error) Opcode() Opcode        { return OpError }

func (e *Error) Error() string {
	if e.Message == "" {
		return "tftp: " + e.Code.String()
	}
	return fmt.Sprintf("tftp: %s: %s", e.Code, e.Message)
}

// NewError builds an Error packet whose message defaults to the code's
// description.
func NewError(code ErrorCode, msg string) *Error {
	if msg == "" {
		msg = code.String()
	}
	return &Error{Code: code, Message: msg}
}

// ParseMode matches a mode string case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "netascii":
		return ModeNetascii, nil
	case "octet":
		return ModeOctet, nil
	case "mail":
		return ModeMail, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrMalformed, s)
	}
}

// --- Encoding ---

// Encode returns the wire form of p. Every field of p is written as-is,
// including Error codes outside the registered range.
func Encode(p Packet) ([]byte, error) {
	switch m := p.(type) {
	case *ReadRequest:
		return encodeRequest(OpReadRequest, m.Filename, m.Mode)
	case *WriteRequest:
		return encodeRequest(OpWriteRequest, m.Filename, m.Mode)

	case *Data:
		if len(m.Payload) > BlockSize {
			return nil, ErrPayloadTooLarge
		}
		b := make([]byte, DataHeaderSize+len(m.Payload))
		binary.BigEndian.PutUint16(b[0:2], uint16(OpData))
		binary.BigEndian.PutUint16(b[2:4], m.Block)
		copy(b[4:], m.Payload)
		return b, nil

	case *Ack:
		b := make([]byte, AckSize)
		binary.BigEndian.PutUint16(b[0:2], uint16(OpAck))
		binary.BigEndian.PutUint16(b[2:4], m.Block)
		return b, nil

	case *Error:
		if strings.IndexByte(m.Message, 0) >= 0 {
			return nil, fmt.Errorf("%w: NUL in error message", ErrMalformed)
		}
		b := make([]byte, ErrorHeaderSize, ErrorHeaderSize+len(m.Message)+1)
		binary.BigEndian.PutUint16(b[0:2], uint16(OpError))
		binary.BigEndian.PutUint16(b[2:4], uint16(m.Code))
		b = append(b, m.Message...)
		return append(b, 0), nil

	default:
		return nil, fmt.Errorf("unsupported packet type: %T", p)
	}
}

func encodeRequest(op Opcode, filename string, mode Mode) ([]byte, error) {
	if filename == "" || strings.IndexByte(filename, 0) >= 0 {
		return nil, fmt.Errorf("%w: invalid filename %q", ErrMalformed, filename)
	}
	if mode < ModeNetascii || mode > ModeMail {
		return nil, fmt.Errorf("%w: invalid mode %d", ErrMalformed, int(mode))
	}
	ms := mode.String()
	b := make([]byte, OpcodeSize, OpcodeSize+len(filename)+len(ms)+2)
	binary.BigEndian.PutUint16(b[0:2], uint16(op))
	b = append(b, filename...)
	b = append(b, 0)
	b = append(b, ms...)
	return append(b, 0), nil
}

// MustEncode is Encode for packets built from known-good values.
// It panics if p cannot be encoded.
func MustEncode(p Packet) []byte {
	b, err := Encode(p)
	if err != nil {
		panic(err)
	}
	return b
}

// --- Decoding ---

// Decode parses a single datagram. It never returns a partially filled
// packet: on error the Packet is nil. Data payloads alias b.
func Decode(b []byte) (Packet, error) {
	if len(b) < OpcodeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	op := Opcode(binary.BigEndian.Uint16(b[0:2]))
	body := b[OpcodeSize:]

	switch op {
	case OpReadRequest, OpWriteRequest:
		filename, mode, err := decodeRequest(body)
		if err != nil {
			return nil, err
		}
		if op == OpReadRequest {
			return &ReadRequest{Filename: filename, Mode: mode}, nil
		}
		return &WriteRequest{Filename: filename, Mode: mode}, nil

	case OpData:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: short DATA", ErrMalformed)
		}
		payload := body[2:]
		if len(payload) > BlockSize {
			return nil, fmt.Errorf("%w: DATA payload of %d bytes", ErrMalformed, len(payload))
		}
		return &Data{
			Block:   binary.BigEndian.Uint16(body[0:2]),
			Payload: payload,
		}, nil

	case OpAck:
		if len(body) != 2 {
			return nil, fmt.Errorf("%w: ACK body of %d bytes", ErrMalformed, len(body))
		}
		return &Ack{Block: binary.BigEndian.Uint16(body[0:2])}, nil

	case OpError:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: short ERROR", ErrMalformed)
		}
		code := ErrorCode(binary.BigEndian.Uint16(body[0:2]))
		if !code.Valid() {
			return nil, fmt.Errorf("%w: unregistered error code %d", ErrMalformed, uint16(code))
		}
		msg, _, ok := cutNUL(body[2:])
		if !ok {
			return nil, fmt.Errorf("%w: unterminated error message", ErrMalformed)
		}
		return &Error{Code: code, Message: msg}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint16(op))
	}
}

// decodeRequest reads "filename\0mode\0". Anything after the mode terminator
// (RFC 2347 options) is ignored.
func decodeRequest(body []byte) (string, Mode, error) {
	filename, rest, ok := cutNUL(body)
	if !ok {
		return "", 0, fmt.Errorf("%w: unterminated filename", ErrMalformed)
	}
	if filename == "" {
		return "", 0, fmt.Errorf("%w: empty filename", ErrMalformed)
	}
	modeStr, _, ok := cutNUL(rest)
	if !ok {
		return "", 0, fmt.Errorf("%w: unterminated mode", ErrMalformed)
	}
	mode, err := ParseMode(modeStr)
	if err != nil {
		return "", 0, err
	}
	return filename, mode, nil
}

// cutNUL splits b at its first NUL byte.
func cutNUL(b []byte) (field string, rest []byte, ok bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, false
	}
	return string(b[:i]), b[i+1:], true
}
