// Package history keeps a log of finished transfers in a bolt database.
package history

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	jsoniter "github.com/json-iterator/go"

	"github.com/chronologos/gotftp/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var bucketName = []byte("transfers")

const openTimeout = time.Second

var ErrClosed = errors.New("history store closed")

// Record is one finished transfer as stored on disk.
type Record struct {
	ID          string        `json:"id"`
	Peer        string        `json:"peer"`
	Filename    string        `json:"filename"`
	Direction   string        `json:"direction"`
	Mode        string        `json:"mode"`
	State       string        `json:"state"`
	Bytes       int64         `json:"bytes"`
	Blocks      int           `json:"blocks"`
	Retransmits int           `json:"retransmits"`
	Error       string        `json:"error,omitempty"`
	Started     time.Time     `json:"started"`
	Finished    time.Time     `json:"finished"`
	Elapsed     time.Duration `json:"elapsed"`
}

// FromSummary converts a session summary into a Record.
func FromSummary(sum session.Summary) Record {
	r := Record{
		ID:          sum.ID,
		Peer:        sum.Peer.String(),
		Filename:    sum.Filename,
		Direction:   sum.Direction.String(),
		Mode:        sum.Mode.String(),
		State:       sum.State.String(),
		Bytes:       sum.Bytes,
		Blocks:      sum.Blocks,
		Retransmits: sum.Retransmits,
		Started:     sum.Started,
		Finished:    sum.Finished,
	}
	if sum.Err != nil {
		r.Error = sum.Err.Error()
	}
	if !sum.Started.IsZero() && !sum.Finished.IsZero() {
		r.Elapsed = sum.Finished.Sub(sum.Started)
	}
	return r
}

// Store is a bolt-backed transfer log. Record and Recent may be called
// from any goroutine until Close.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path. bolt holds an exclusive
// file lock, so a second Open of the same path fails after a short wait.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends r. Records are ordered by finish time, then ID.
func (s *Store) Record(r Record) error {
	if s.db == nil {
		return ErrClosed
	}
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(recordKey(r), value)
	})
}

// Recent returns up to n records, newest first. n <= 0 returns all of them.
func (s *Store) Recent(n int) ([]Record, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if n > 0 && len(out) >= n {
				break
			}
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode record %x: %w", k, err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Len reports how many records are stored.
func (s *Store) Len() (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// recordKey sorts by finish time: 8 bytes of big-endian UnixNano followed
// by the transfer ID to keep simultaneous finishes distinct.
func recordKey(r Record) []byte {
	k := make([]byte, 8, 8+len(r.ID))
	binary.BigEndian.PutUint64(k, uint64(r.Finished.UnixNano()))
	return append(k, r.ID...)
}
