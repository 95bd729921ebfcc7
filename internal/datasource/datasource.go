// Package datasource provides the byte streams a transfer reads from and
// writes to.
package datasource

import (
	"errors"
	"fmt"
	"io"

	"github.com/chronologos/gotftp/internal/protocol"
)

var (
	ErrNotFound        = errors.New("file not found")
	ErrAccessViolation = errors.New("access violation")
	ErrAlreadyExists   = errors.New("file already exists")
	ErrDiskFull        = errors.New("disk full")
)

// DataSource opens named streams for transfers. Implementations must be
// safe for concurrent use.
type DataSource interface {
	// OpenRead fails with ErrNotFound or ErrAccessViolation.
	OpenRead(name string) (io.ReadCloser, error)
	// OpenWrite fails with ErrAlreadyExists, ErrAccessViolation or
	// ErrDiskFull.
	OpenWrite(name string) (WriteStream, error)
}

// WriteStream receives an uploaded file. Exactly one of Close or Abort is
// called: Close commits the data, Abort discards it.
type WriteStream interface {
	io.Writer
	Close() error
	Abort() error
}

// ReadBlock reads the next block of up to protocol.BlockSize bytes. A block
// shorter than BlockSize, possibly empty, means r is exhausted.
func ReadBlock(r io.Reader) ([]byte, error) {
	buf := make([]byte, protocol.BlockSize)
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], nil
	default:
		return nil, fmt.Errorf("read block: %w", err)
	}
}

// WriteBlock writes one block to w.
func WriteBlock(w io.Writer, p []byte) error {
	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	return nil
}

// ErrorCode maps a DataSource error to the code sent to the peer.
func ErrorCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, ErrNotFound):
		return protocol.ErrCodeFileNotFound
	case errors.Is(err, ErrAccessViolation):
		return protocol.ErrCodeAccessViolation
	case errors.Is(err, ErrAlreadyExists):
		return protocol.ErrCodeFileAlreadyExists
	case errors.Is(err, ErrDiskFull):
		return protocol.ErrCodeDiskFull
	default:
		return protocol.ErrCodeNotDefined
	}
}
