package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	b, err := Encode(p)
	if err != nil {
		t.Fatalf("encode %T: %v", p, err)
	}
	decoded, err := Decode(b)
	if err != nil {
		t.Fatalf("decode %T: %v", p, err)
	}
	return decoded
}

func TestRequestRoundTrip(t *testing.T) {
	for _, mode := range []Mode{ModeNetascii, ModeOctet, ModeMail} {
		rrq := &ReadRequest{Filename: "boot/pxelinux.0", Mode: mode}
		if got := roundTrip(t, rrq); !reflect.DeepEqual(got, rrq) {
			t.Fatalf("RRQ mismatch: got %+v, want %+v", got, rrq)
		}
		wrq := &WriteRequest{Filename: "upload.bin", Mode: mode}
		if got := roundTrip(t, wrq); !reflect.DeepEqual(got, wrq) {
			t.Fatalf("WRQ mismatch: got %+v, want %+v", got, wrq)
		}
	}
}

func TestDataRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 511, BlockSize} {
		original := &Data{Block: 42, Payload: bytes.Repeat([]byte{0xab}, n)}
		decoded, ok := roundTrip(t, original).(*Data)
		if !ok {
			t.Fatalf("expected *Data")
		}
		if decoded.Block != original.Block {
			t.Fatalf("block mismatch: got %d, want %d", decoded.Block, original.Block)
		}
		if !bytes.Equal(decoded.Payload, original.Payload) {
			t.Fatalf("payload mismatch for %d bytes", n)
		}
	}
}

func TestAckRoundTrip(t *testing.T) {
	for _, block := range []uint16{0, 1, 512, 65535} {
		original := &Ack{Block: block}
		decoded := roundTrip(t, original).(*Ack)
		if decoded.Block != block {
			t.Fatalf("block mismatch: got %d, want %d", decoded.Block, block)
		}
	}
}

func TestErrorRoundTrip(t *testing.T) {
	for code := ErrCodeNotDefined; code <= ErrCodeNoSuchUser; code++ {
		original := &Error{Code: code, Message: code.String()}
		if got := roundTrip(t, original); !reflect.DeepEqual(got, original) {
			t.Fatalf("error mismatch: got %+v, want %+v", got, original)
		}
	}
	empty := &Error{Code: ErrCodeDiskFull}
	if got := roundTrip(t, empty); !reflect.DeepEqual(got, empty) {
		t.Fatalf("empty message mismatch: got %+v", got)
	}
}

func TestWireFormat(t *testing.T) {
	tests := []struct {
		name string
		p    Packet
		want []byte
	}{
		{"rrq", &ReadRequest{Filename: "a", Mode: ModeOctet}, []byte("\x00\x01a\x00octet\x00")},
		{"wrq", &WriteRequest{Filename: "b", Mode: ModeNetascii}, []byte("\x00\x02b\x00netascii\x00")},
		{"data", &Data{Block: 0x0102, Payload: []byte("hi")}, []byte{0, 3, 1, 2, 'h', 'i'}},
		{"ack", &Ack{Block: 0xfffe}, []byte{0, 4, 0xff, 0xfe}},
		{"error", &Error{Code: ErrCodeFileAlreadyExists, Message: "x"}, []byte{0, 5, 0, 6, 'x', 0}},
	}
	for _, tt := range tests {
		got, err := Encode(tt.p)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Fatalf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEncodeErrorKeepsUnregisteredCode(t *testing.T) {
	b, err := Encode(&Error{Code: ErrorCode(8), Message: "opt"})
	if err != nil {
		t.Fatal(err)
	}
	if b[2] != 0 || b[3] != 8 {
		t.Fatalf("code bytes = %v, want [0 8]", b[2:4])
	}
}

func TestDecodeModeCaseInsensitive(t *testing.T) {
	p, err := Decode([]byte("\x00\x01file\x00OcTeT\x00"))
	if err != nil {
		t.Fatal(err)
	}
	rrq := p.(*ReadRequest)
	if rrq.Mode != ModeOctet || rrq.Filename != "file" {
		t.Fatalf("got %+v", rrq)
	}
}

func TestDecodeIgnoresRequestOptions(t *testing.T) {
	p, err := Decode([]byte("\x00\x01file\x00octet\x00blksize\x001428\x00"))
	if err != nil {
		t.Fatal(err)
	}
	if p.(*ReadRequest).Filename != "file" {
		t.Fatalf("got %+v", p)
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	for _, op := range []uint16{0, 6, 0xffff} {
		_, err := Decode([]byte{byte(op >> 8), byte(op), 0, 0})
		if !errors.Is(err, ErrUnknownOpcode) {
			t.Fatalf("opcode %d: expected ErrUnknownOpcode, got %v", op, err)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0}},
		{"rrq no filename terminator", []byte("\x00\x01file")},
		{"rrq no mode", []byte("\x00\x01file\x00")},
		{"rrq no mode terminator", []byte("\x00\x01file\x00octet")},
		{"rrq empty filename", []byte("\x00\x01\x00octet\x00")},
		{"wrq unknown mode", []byte("\x00\x02file\x00binary\x00")},
		{"data short", []byte{0, 3, 0}},
		{"data oversized", append([]byte{0, 3, 0, 1}, make([]byte, BlockSize+1)...)},
		{"ack short", []byte{0, 4, 0}},
		{"ack trailing", []byte{0, 4, 0, 1, 0}},
		{"error short", []byte{0, 5, 0}},
		{"error unterminated", []byte{0, 5, 0, 1, 'x'}},
		{"error unregistered code", []byte{0, 5, 0, 9, 0}},
	}
	for _, tt := range tests {
		p, err := Decode(tt.raw)
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", tt.name, err)
		}
		if p != nil {
			t.Fatalf("%s: expected no packet, got %+v", tt.name, p)
		}
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	if _, err := Encode(&Data{Payload: make([]byte, BlockSize+1)}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, err := Encode(&ReadRequest{Filename: "a\x00b", Mode: ModeOctet}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for NUL filename, got %v", err)
	}
	if _, err := Encode(&WriteRequest{Filename: "", Mode: ModeOctet}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for empty filename, got %v", err)
	}
	if _, err := Encode(&ReadRequest{Filename: "a", Mode: Mode(7)}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for bad mode, got %v", err)
	}
}

func TestDataPayloadAliasesInput(t *testing.T) {
	raw := []byte{0, 3, 0, 1, 'a', 'b'}
	p, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	raw[4] = 'z'
	if p.(*Data).Payload[0] != 'z' {
		t.Fatalf("payload should alias the input buffer")
	}
}

func TestErrorImplementsError(t *testing.T) {
	var err error = NewError(ErrCodeFileNotFound, "")
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != ErrCodeFileNotFound {
		t.Fatalf("errors.As failed: %v", err)
	}
	if err.Error() != "tftp: file not found: file not found" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
