// Package session implements the per-peer TFTP transfer state machine.
//
// A Session is driven entirely by its caller: Start with the opening
// request, Handle for every later packet from the peer's address, and Tick
// on a clock. Each call returns the datagrams to send and never blocks
// except on DataSource reads and writes.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/chronologos/gotftp/internal/datasource"
	"github.com/chronologos/gotftp/internal/netascii"
	"github.com/chronologos/gotftp/internal/protocol"
	"github.com/chronologos/gotftp/internal/retransmit"
)

var (
	ErrTimeout         = errors.New("retransmission limit reached")
	ErrShutdown        = errors.New("server shutting down")
	errMailUnsupported = errors.New("mail mode is not supported")
)

// State is the lifecycle position of a Session.
type State int

const (
	Establishing State = iota
	Transferring
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Establishing:
		return "establishing"
	case Transferring:
		return "transferring"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further packets will be accepted.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Direction is the transfer direction as seen by the server.
type Direction int

const (
	Read  Direction = iota // peer downloads (RRQ)
	Write                  // peer uploads (WRQ)
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Reply is a datagram to send.
type Reply struct {
	To   netip.AddrPort
	Data []byte
}

// Config holds session configuration.
type Config struct {
	Policy retransmit.Policy
	Log    *slog.Logger
}

// Session is one transfer with one peer. The peer's address and port (its
// TID) are fixed at creation; packets from any other endpoint are answered
// with UnknownTID and otherwise ignored.
//
// A Session is not safe for concurrent use.
type Session struct {
	id    string
	peer  netip.AddrPort
	src   datasource.DataSource
	log   *slog.Logger
	timer *retransmit.Timer

	state    State
	dir      Direction
	mode     protocol.Mode
	filename string

	// block is the Data block awaiting an Ack (Read) or the next Data block
	// expected (Write). Wraps modulo 65536.
	block    uint16
	lastSent []byte // encoded packet to retransmit on expiry
	lastLen  int    // payload length of the last Data sent

	// Read side.
	rc     io.ReadCloser
	reader io.Reader

	// Write side. flush is the netascii decoder, nil in octet mode.
	ws     datasource.WriteStream
	writer io.Writer
	flush  io.Closer

	bytes    int64
	blocks   int
	started  time.Time
	finished time.Time
	err      error
}

// New creates a session for peer. Call Start with the opening request.
func New(peer netip.AddrPort, src datasource.DataSource, cfg Config) *Session {
	logger := cfg.Log
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	id := uuid.NewString()
	return &Session{
		id:    id,
		peer:  peer,
		src:   src,
		log:   logger.With("transfer", id, "peer", peer.String()),
		timer: retransmit.New(cfg.Policy),
	}
}

// ID returns the transfer's unique id.
func (s *Session) ID() string { return s.id }

// Peer returns the peer endpoint; its port is the session's TID.
func (s *Session) Peer() netip.AddrPort { return s.peer }

// State returns the current state.
func (s *Session) State() State { return s.state }

// Done reports whether the session reached Completed or Failed.
func (s *Session) Done() bool { return s.state.Terminal() }

// Err returns the reason a session failed, or nil.
func (s *Session) Err() error { return s.err }

// Deadline returns the pending retransmission deadline, if any.
func (s *Session) Deadline() (time.Time, bool) { return s.timer.Deadline() }

// --- Establishing ---

// Start runs the opening request. The session is Transferring afterwards,
// or Failed if the request was refused.
func (s *Session) Start(req protocol.Packet, now time.Time) []Reply {
	if s.state != Establishing {
		return s.illegal("transfer already started")
	}
	s.started = now
	switch r := req.(type) {
	case *protocol.ReadRequest:
		s.dir, s.mode, s.filename = Read, r.Mode, r.Filename
		s.log = s.log.With("dir", s.dir.String(), "file", s.filename, "mode", s.mode.String())
		return s.startRead(now)
	case *protocol.WriteRequest:
		s.dir, s.mode, s.filename = Write, r.Mode, r.Filename
		s.log = s.log.With("dir", s.dir.String(), "file", s.filename, "mode", s.mode.String())
		return s.startWrite(now)
	default:
		return s.abort(protocol.ErrCodeIllegalOperation,
			fmt.Errorf("transfer cannot start with %s", req.Opcode()), now)
	}
}

func (s *Session) startRead(now time.Time) []Reply {
	rc, err := s.src.OpenRead(s.filename)
	if err != nil {
		return s.abort(datasource.ErrorCode(err), err, now)
	}
	s.rc = rc
	if s.mode == protocol.ModeMail {
		return s.abort(protocol.ErrCodeIllegalOperation, errMailUnsupported, now)
	}

	s.reader = rc
	if s.mode == protocol.ModeNetascii {
		s.reader = netascii.NewReader(rc)
	}
	s.state = Transferring
	s.log.Info("read started")
	return s.sendBlock(1, now)
}

func (s *Session) startWrite(now time.Time) []Reply {
	ws, err := s.src.OpenWrite(s.filename)
	if err != nil {
		return s.abort(datasource.ErrorCode(err), err, now)
	}
	s.ws = ws
	if s.mode == protocol.ModeMail {
		return s.abort(protocol.ErrCodeIllegalOperation, errMailUnsupported, now)
	}

	s.writer = ws
	if s.mode == protocol.ModeNetascii {
		nw := netascii.NewWriter(ws)
		s.writer, s.flush = nw, nw
	}
	s.state = Transferring
	s.block = 1
	s.log.Info("write started")
	return s.transmit(&protocol.Ack{Block: 0}, now)
}

// --- Transferring ---

// Handle processes a packet received from from. Packets from an endpoint
// other than the peer get UnknownTID and leave the session untouched.
func (s *Session) Handle(from netip.AddrPort, p protocol.Packet, now time.Time) []Reply {
	if from != s.peer {
		return unknownTID(from)
	}
	if s.state.Terminal() {
		return nil
	}

	switch m := p.(type) {
	case *protocol.Error:
		s.log.Warn("peer aborted transfer", "code", uint16(m.Code), "msg", m.Message)
		s.finish(Failed, m, now)
		return nil
	case *protocol.Ack:
		if s.dir == Read && s.state == Transferring {
			return s.handleAck(m, now)
		}
	case *protocol.Data:
		if s.dir == Write && s.state == Transferring {
			return s.handleData(m, now)
		}
	}
	return s.illegal(fmt.Sprintf("unexpected %s", p.Opcode()))
}

// HandleMalformed answers an undecodable datagram from from. Only the
// peer's own TID gets a reply; garbage from any other port is dropped.
func (s *Session) HandleMalformed(from netip.AddrPort, err error) []Reply {
	if from != s.peer {
		s.log.Debug("dropping undecodable datagram", "from", from.String(), "err", err)
		return nil
	}
	if s.state.Terminal() {
		return nil
	}
	s.log.Debug("malformed packet", "err", err)
	return s.illegal(err.Error())
}

// handleAck advances a read. Acks for any block other than the one in
// flight are duplicates and are dropped without touching the timer.
func (s *Session) handleAck(m *protocol.Ack, now time.Time) []Reply {
	if m.Block != s.block {
		s.log.Debug("ignoring stale ack", "block", m.Block, "want", s.block)
		return nil
	}
	s.timer.Cancel()
	if s.lastLen < protocol.BlockSize {
		s.finish(Completed, nil, now)
		return nil
	}
	return s.sendBlock(s.block+1, now)
}

// handleData advances a write. Out-of-order and duplicate blocks are
// dropped without an ack; the retransmission timer resends the last ack.
func (s *Session) handleData(m *protocol.Data, now time.Time) []Reply {
	if m.Block != s.block {
		s.log.Debug("ignoring out-of-order data", "block", m.Block, "want", s.block)
		return nil
	}
	s.timer.Cancel()
	if err := datasource.WriteBlock(s.writer, m.Payload); err != nil {
		return s.abort(datasource.ErrorCode(err), err, now)
	}
	s.bytes += int64(len(m.Payload))
	s.blocks++

	if len(m.Payload) < protocol.BlockSize {
		if err := s.commit(); err != nil {
			return s.abort(datasource.ErrorCode(err), err, now)
		}
		out := s.transmit(&protocol.Ack{Block: m.Block}, now)
		s.finish(Completed, nil, now)
		return out
	}
	out := s.transmit(&protocol.Ack{Block: m.Block}, now)
	s.block++
	return out
}

// sendBlock reads the next block from the source and sends it as block.
func (s *Session) sendBlock(block uint16, now time.Time) []Reply {
	payload, err := datasource.ReadBlock(s.reader)
	if err != nil {
		return s.abort(protocol.ErrCodeNotDefined, err, now)
	}
	s.block = block
	s.lastLen = len(payload)
	s.bytes += int64(len(payload))
	s.blocks++
	return s.transmit(&protocol.Data{Block: block, Payload: payload}, now)
}

// transmit records p as the packet in flight and arms the timer.
func (s *Session) transmit(p protocol.Packet, now time.Time) []Reply {
	b := protocol.MustEncode(p)
	s.lastSent = b
	s.timer.Arm(now)
	return []Reply{{To: s.peer, Data: b}}
}

// Tick retransmits the packet in flight if its deadline has passed. Once
// the retry budget is spent the session fails silently.
func (s *Session) Tick(now time.Time) []Reply {
	if s.state != Transferring || !s.timer.Expired(now) {
		return nil
	}
	if !s.timer.Retry(now) {
		s.finish(Failed, ErrTimeout, now)
		return nil
	}
	s.log.Debug("retransmit", "block", s.block, "retry", s.timer.Retries())
	return []Reply{{To: s.peer, Data: s.lastSent}}
}

// Close aborts a live transfer, telling the peer why. It is a no-op on a
// terminal session.
func (s *Session) Close(reason error, now time.Time) []Reply {
	if s.state.Terminal() {
		return nil
	}
	return s.abort(protocol.ErrCodeNotDefined, reason, now)
}

// --- Termination ---

// illegal answers a packet that is invalid in the current state without
// changing it.
func (s *Session) illegal(msg string) []Reply {
	return errorReply(s.peer, protocol.NewError(protocol.ErrCodeIllegalOperation, msg))
}

// abort fails the session and sends a single, never retransmitted, Error.
func (s *Session) abort(code protocol.ErrorCode, err error, now time.Time) []Reply {
	s.finish(Failed, err, now)
	msg := code.String()
	if code == protocol.ErrCodeNotDefined || code == protocol.ErrCodeIllegalOperation {
		msg = err.Error()
	}
	return errorReply(s.peer, protocol.NewError(code, msg))
}

func (s *Session) finish(state State, err error, now time.Time) {
	s.timer.Cancel()
	s.state = state
	s.err = err
	s.finished = now
	s.release()

	if state == Completed {
		s.log.Info("transfer completed", "bytes", s.bytes, "blocks", s.blocks,
			"retransmits", s.timer.Total(), "elapsed", now.Sub(s.started))
	} else {
		s.log.Warn("transfer failed", "err", err, "bytes", s.bytes)
	}
}

// commit flushes and closes an upload. Called before the final ack so a
// failed commit is reported to the peer.
func (s *Session) commit() error {
	ws := s.ws
	s.ws = nil
	if s.flush != nil {
		if err := s.flush.Close(); err != nil {
			ws.Abort()
			return err
		}
	}
	if err := ws.Close(); err != nil {
		ws.Abort()
		return err
	}
	return nil
}

// release drops whatever DataSource handle is still held. Uploads that
// did not commit are aborted.
func (s *Session) release() {
	if s.rc != nil {
		if err := s.rc.Close(); err != nil {
			s.log.Debug("close source", "err", err)
		}
		s.rc = nil
	}
	if s.ws != nil {
		if err := s.ws.Abort(); err != nil {
			s.log.Debug("abort upload", "err", err)
		}
		s.ws = nil
	}
}

func unknownTID(to netip.AddrPort) []Reply {
	return errorReply(to, protocol.NewError(protocol.ErrCodeUnknownTID, ""))
}

func errorReply(to netip.AddrPort, e *protocol.Error) []Reply {
	b, err := protocol.Encode(e)
	if err != nil {
		// Only a NUL in the message can fail; fall back to the code alone.
		b = protocol.MustEncode(&protocol.Error{Code: e.Code})
	}
	return []Reply{{To: to, Data: b}}
}

// --- Reporting ---

// Summary describes a transfer for logs and history.
type Summary struct {
	ID          string
	Peer        netip.AddrPort
	Filename    string
	Direction   Direction
	Mode        protocol.Mode
	State       State
	Bytes       int64
	Blocks      int
	Retransmits int
	Err         error
	Started     time.Time
	Finished    time.Time
}

// Summary returns a snapshot of the transfer.
func (s *Session) Summary() Summary {
	return Summary{
		ID:          s.id,
		Peer:        s.peer,
		Filename:    s.filename,
		Direction:   s.dir,
		Mode:        s.mode,
		State:       s.state,
		Bytes:       s.bytes,
		Blocks:      s.blocks,
		Retransmits: s.timer.Total(),
		Err:         s.err,
		Started:     s.started,
		Finished:    s.finished,
	}
}
