package protocol

import "fmt"

// BlockSize is the fixed payload size of a full Data packet. A shorter
// payload (including zero bytes) marks the final block of a transfer.
const BlockSize = 512

// Header sizes.
const (
	OpcodeSize      = 2
	DataHeaderSize  = 4 // opcode + u16 block
	AckSize         = 4 // opcode + u16 block
	ErrorHeaderSize = 4 // opcode + u16 code (message follows)

	// MaxPacketSize is the largest well-formed packet (a full Data packet).
	MaxPacketSize = DataHeaderSize + BlockSize
)

// Opcode identifies the packet variant on the wire.
type Opcode uint16

const (
	OpReadRequest  Opcode = 1
	OpWriteRequest Opcode = 2
	OpData         Opcode = 3
	OpAck          Opcode = 4
	OpError        Opcode = 5
)

func (o Opcode) String() string {
	switch o {
	case OpReadRequest:
		return "RRQ"
	case OpWriteRequest:
		return "WRQ"
	case OpData:
		return "DATA"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	default:
		return fmt.Sprintf("opcode(%d)", uint16(o))
	}
}

// ErrorCode is the numeric code carried by an Error packet.
type ErrorCode uint16

const (
	ErrCodeNotDefined        ErrorCode = 0
	ErrCodeFileNotFound      ErrorCode = 1
	ErrCodeAccessViolation   ErrorCode = 2
	ErrCodeDiskFull          ErrorCode = 3
	ErrCodeIllegalOperation  ErrorCode = 4
	ErrCodeUnknownTID        ErrorCode = 5
	ErrCodeFileAlreadyExists ErrorCode = 6
	ErrCodeNoSuchUser        ErrorCode = 7
)

// Valid reports whether c is one of the codes registered by RFC 1350.
func (c ErrorCode) Valid() bool {
	return c <= ErrCodeNoSuchUser
}

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNotDefined:
		return "not defined"
	case ErrCodeFileNotFound:
		return "file not found"
	case ErrCodeAccessViolation:
		return "access violation"
	case ErrCodeDiskFull:
		return "disk full or allocation exceeded"
	case ErrCodeIllegalOperation:
		return "illegal TFTP operation"
	case ErrCodeUnknownTID:
		return "unknown transfer ID"
	case ErrCodeFileAlreadyExists:
		return "file already exists"
	case ErrCodeNoSuchUser:
		return "no such user"
	default:
		return fmt.Sprintf("error code %d", uint16(c))
	}
}

// Mode is the transfer mode named in a request.
type Mode int

const (
	ModeNetascii Mode = iota
	ModeOctet
	ModeMail
)

// String returns the canonical lower-case wire spelling of m.
func (m Mode) String() string {
	switch m {
	case ModeNetascii:
		return "netascii"
	case ModeOctet:
		return "octet"
	case ModeMail:
		return "mail"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}
