package server

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/chronologos/gotftp/internal/protocol"
	"github.com/chronologos/gotftp/internal/session"
	"github.com/chronologos/gotftp/internal/transport"
)

// NewSessionFunc creates a session for a peer's first request.
type NewSessionFunc func(peer netip.AddrPort) *session.Session

// Registry routes datagrams to sessions, one session per peer IP address.
// The peer's port is the session's TID: a second port on the same host is
// answered with UnknownTID while that host has a transfer in progress.
//
// Sessions are removed in the same call that makes them terminal, so the
// map only ever holds live transfers.
type Registry struct {
	mu         sync.Mutex
	sessions   map[netip.Addr]*session.Session
	newSession NewSessionFunc
	onDone     func(session.Summary)
	log        *slog.Logger
}

// NewRegistry creates an empty registry. onDone, if non-nil, is called
// with the summary of every session as it is evicted.
func NewRegistry(newSession NewSessionFunc, onDone func(session.Summary), log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		sessions:   make(map[netip.Addr]*session.Session),
		newSession: newSession,
		onDone:     onDone,
		log:        log,
	}
}

// Route decodes raw from from and returns the datagrams to send in reply.
func (r *Registry) Route(from netip.AddrPort, raw []byte, now time.Time) []session.Reply {
	from = transport.Normalize(from)

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[from.Addr()]
	p, err := protocol.Decode(raw)
	if err != nil {
		if s == nil {
			// No transfer to attribute it to; drop silently.
			r.log.Debug("dropping undecodable datagram", "peer", from.String(), "err", err)
			return nil
		}
		return r.settle(s, s.HandleMalformed(from, err))
	}

	if s != nil {
		return r.settle(s, s.Handle(from, p, now))
	}

	switch p.(type) {
	case *protocol.ReadRequest, *protocol.WriteRequest:
		s = r.newSession(from)
		out := s.Start(p, now)
		if !s.Done() {
			r.sessions[from.Addr()] = s
		} else {
			r.evicted(s)
		}
		return out
	default:
		r.log.Debug("no transfer for packet", "peer", from.String(), "op", p.Opcode().String())
		b := protocol.MustEncode(protocol.NewError(protocol.ErrCodeUnknownTID, ""))
		return []session.Reply{{To: from, Data: b}}
	}
}

// Tick drives every session's retransmission timer.
func (r *Registry) Tick(now time.Time) []session.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []session.Reply
	for _, s := range r.sessions {
		out = append(out, r.settle(s, s.Tick(now))...)
	}
	return out
}

// CloseAll aborts every live session with reason and empties the registry.
func (r *Registry) CloseAll(reason error, now time.Time) []session.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []session.Reply
	for _, s := range r.sessions {
		out = append(out, r.settle(s, s.Close(reason, now))...)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Lookup returns the live session for a peer address.
func (r *Registry) Lookup(addr netip.Addr) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[addr.Unmap()]
	return s, ok
}

// settle evicts s if the call that produced out made it terminal. Caller
// must hold r.mu.
func (r *Registry) settle(s *session.Session, out []session.Reply) []session.Reply {
	if s.Done() {
		delete(r.sessions, s.Peer().Addr())
		r.evicted(s)
	}
	return out
}

func (r *Registry) evicted(s *session.Session) {
	if r.onDone != nil {
		r.onDone(s.Summary())
	}
}
