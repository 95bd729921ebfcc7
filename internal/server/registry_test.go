package server

import (
	"net/netip"
	"testing"
	"time"

	"github.com/chronologos/gotftp/internal/datasource"
	"github.com/chronologos/gotftp/internal/protocol"
	"github.com/chronologos/gotftp/internal/retransmit"
	"github.com/chronologos/gotftp/internal/session"
)

var (
	peerA  = netip.MustParseAddrPort("198.51.100.1:3000")
	peerA2 = netip.MustParseAddrPort("198.51.100.1:3001")
	peerB  = netip.MustParseAddrPort("198.51.100.2:3000")
	epoch  = time.Unix(1700000000, 0)
)

func newTestRegistry(t *testing.T, src datasource.DataSource) (*Registry, *[]session.Summary) {
	t.Helper()
	var done []session.Summary
	r := NewRegistry(func(peer netip.AddrPort) *session.Session {
		return session.New(peer, src, session.Config{
			Policy: retransmit.Policy{Timeout: time.Second, MaxRetries: 2},
		})
	}, func(s session.Summary) { done = append(done, s) }, nil)
	return r, &done
}

func encode(t *testing.T, p protocol.Packet) []byte {
	t.Helper()
	b, err := protocol.Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func replyPacket(t *testing.T, replies []session.Reply, to netip.AddrPort) protocol.Packet {
	t.Helper()
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	if replies[0].To != to {
		t.Fatalf("reply to %v, want %v", replies[0].To, to)
	}
	p, err := protocol.Decode(replies[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func expectErrorCode(t *testing.T, replies []session.Reply, to netip.AddrPort, code protocol.ErrorCode) {
	t.Helper()
	e, ok := replyPacket(t, replies, to).(*protocol.Error)
	if !ok || e.Code != code {
		t.Fatalf("expected ERROR{%d}, got %+v", code, e)
	}
}

func TestRouteCreatesAndEvicts(t *testing.T) {
	src := datasource.NewMemory()
	src.Put("f", []byte("hello"))
	r, done := newTestRegistry(t, src)

	out := r.Route(peerA, encode(t, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet}), epoch)
	if d, ok := replyPacket(t, out, peerA).(*protocol.Data); !ok || d.Block != 1 {
		t.Fatalf("expected DATA 1, got %+v", d)
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}

	out = r.Route(peerA, encode(t, &protocol.Ack{Block: 1}), epoch)
	if len(out) != 0 {
		t.Fatalf("expected no reply, got %d", len(out))
	}
	if r.Len() != 0 {
		t.Fatalf("completed session not evicted, len = %d", r.Len())
	}
	if len(*done) != 1 || (*done)[0].State != session.Completed {
		t.Fatalf("summaries = %+v", *done)
	}
}

func TestRefusedRequestNotRegistered(t *testing.T) {
	src := datasource.NewMemory()
	src.Put("exists", []byte("x"))
	r, done := newTestRegistry(t, src)

	out := r.Route(peerA, encode(t, &protocol.WriteRequest{Filename: "exists", Mode: protocol.ModeOctet}), epoch)
	expectErrorCode(t, out, peerA, protocol.ErrCodeFileAlreadyExists)
	if r.Len() != 0 {
		t.Fatal("refused request created a session")
	}
	if len(*done) != 1 || (*done)[0].State != session.Failed {
		t.Fatalf("summaries = %+v", *done)
	}
}

func TestMalformedRequestDropped(t *testing.T) {
	r, _ := newTestRegistry(t, datasource.NewMemory())

	out := r.Route(peerA, []byte("\x00\x01file\x00octet"), epoch)
	if len(out) != 0 {
		t.Fatalf("malformed request answered with %d replies", len(out))
	}
	if r.Len() != 0 {
		t.Fatal("malformed request created a session")
	}
	if out := r.Route(peerA, []byte{0, 9, 0, 0}, epoch); len(out) != 0 {
		t.Fatal("unknown opcode without a session should be dropped")
	}
}

func TestMalformedOnSession(t *testing.T) {
	src := datasource.NewMemory()
	src.Put("f", make([]byte, 1024))
	r, _ := newTestRegistry(t, src)
	r.Route(peerA, encode(t, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet}), epoch)

	out := r.Route(peerA, []byte{0, 4, 0}, epoch)
	expectErrorCode(t, out, peerA, protocol.ErrCodeIllegalOperation)
	if r.Len() != 1 {
		t.Fatal("malformed packet should not end the session")
	}
}

func TestMalformedFromOtherPortDropped(t *testing.T) {
	src := datasource.NewMemory()
	src.Put("f", make([]byte, 1024))
	r, _ := newTestRegistry(t, src)
	r.Route(peerA, encode(t, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet}), epoch)

	if out := r.Route(peerA2, []byte{0, 4, 0}, epoch); len(out) != 0 {
		t.Fatalf("undecodable datagram from another port answered with %d replies", len(out))
	}
	if out := r.Route(peerA2, []byte{0, 9, 0, 0}, epoch); len(out) != 0 {
		t.Fatalf("unknown opcode from another port answered with %d replies", len(out))
	}
	if s, ok := r.Lookup(peerA.Addr()); !ok || s.State() != session.Transferring {
		t.Fatal("live session disturbed by a stray datagram")
	}
}

func TestSecondRequestIllegal(t *testing.T) {
	src := datasource.NewMemory()
	src.Put("f", make([]byte, 1024))
	r, _ := newTestRegistry(t, src)
	r.Route(peerA, encode(t, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet}), epoch)

	out := r.Route(peerA, encode(t, &protocol.WriteRequest{Filename: "g", Mode: protocol.ModeOctet}), epoch)
	expectErrorCode(t, out, peerA, protocol.ErrCodeIllegalOperation)
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
	if _, ok := src.Get("g"); ok {
		t.Fatal("second request must not open a file")
	}
}

func TestUnknownPeerNonRequest(t *testing.T) {
	r, _ := newTestRegistry(t, datasource.NewMemory())
	out := r.Route(peerB, encode(t, &protocol.Ack{Block: 1}), epoch)
	expectErrorCode(t, out, peerB, protocol.ErrCodeUnknownTID)
	if r.Len() != 0 {
		t.Fatal("non-request created a session")
	}
}

func TestTIDIsolation(t *testing.T) {
	src := datasource.NewMemory()
	src.Put("f", make([]byte, 1024))
	r, _ := newTestRegistry(t, src)
	r.Route(peerA, encode(t, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet}), epoch)

	// Same host, different port: rejected, session untouched.
	out := r.Route(peerA2, encode(t, &protocol.Ack{Block: 1}), epoch)
	expectErrorCode(t, out, peerA2, protocol.ErrCodeUnknownTID)

	s, ok := r.Lookup(peerA.Addr())
	if !ok || s.State() != session.Transferring {
		t.Fatal("session disturbed by a stray TID")
	}
	out = r.Route(peerA, encode(t, &protocol.Ack{Block: 1}), epoch)
	if d, ok := replyPacket(t, out, peerA).(*protocol.Data); !ok || d.Block != 2 {
		t.Fatalf("expected DATA 2, got %+v", d)
	}
}

func TestIndependentPeers(t *testing.T) {
	src := datasource.NewMemory()
	src.Put("f", make([]byte, 1024))
	r, _ := newTestRegistry(t, src)

	r.Route(peerA, encode(t, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet}), epoch)
	r.Route(peerB, encode(t, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet}), epoch)
	if r.Len() != 2 {
		t.Fatalf("len = %d, want 2", r.Len())
	}

	// An error from A ends only A's transfer, without a reply.
	out := r.Route(peerA, encode(t, &protocol.Error{Code: protocol.ErrCodeNotDefined, Message: "bye"}), epoch)
	if len(out) != 0 {
		t.Fatal("error packet was answered")
	}
	if _, ok := r.Lookup(peerA.Addr()); ok {
		t.Fatal("aborted session still registered")
	}
	if _, ok := r.Lookup(peerB.Addr()); !ok {
		t.Fatal("unrelated session evicted")
	}
}

func TestTickEvictsExhaustedSessions(t *testing.T) {
	src := datasource.NewMemory()
	src.Put("f", []byte("x"))
	r, done := newTestRegistry(t, src)
	r.Route(peerA, encode(t, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet}), epoch)

	now := epoch
	for i := 0; i < 2; i++ {
		now = now.Add(time.Second)
		if out := r.Tick(now); len(out) != 1 {
			t.Fatalf("tick %d: %d replies, want 1", i, len(out))
		}
	}
	now = now.Add(time.Second)
	if out := r.Tick(now); len(out) != 0 {
		t.Fatalf("exhausted session sent %d packets", len(out))
	}
	if r.Len() != 0 {
		t.Fatal("failed session not evicted")
	}
	if src.OpenHandles() != 0 {
		t.Fatal("handle leaked")
	}
	if len(*done) != 1 || (*done)[0].State != session.Failed || (*done)[0].Retransmits != 2 {
		t.Fatalf("summaries = %+v", *done)
	}

	// Late acks from the same peer now find no transfer.
	out := r.Route(peerA, encode(t, &protocol.Ack{Block: 1}), now)
	expectErrorCode(t, out, peerA, protocol.ErrCodeUnknownTID)
}

func TestCloseAll(t *testing.T) {
	src := datasource.NewMemory()
	src.Put("f", make([]byte, 1024))
	r, done := newTestRegistry(t, src)
	r.Route(peerA, encode(t, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet}), epoch)
	r.Route(peerB, encode(t, &protocol.WriteRequest{Filename: "g", Mode: protocol.ModeOctet}), epoch)

	out := r.CloseAll(session.ErrShutdown, epoch)
	if len(out) != 2 {
		t.Fatalf("expected an error to each peer, got %d replies", len(out))
	}
	if r.Len() != 0 || len(*done) != 2 {
		t.Fatalf("len = %d, summaries = %d", r.Len(), len(*done))
	}
	if src.OpenHandles() != 0 {
		t.Fatal("handles leaked on shutdown")
	}
	if _, ok := src.Get("g"); ok {
		t.Fatal("interrupted upload left a file")
	}
}

func TestMappedAddressesShareSession(t *testing.T) {
	src := datasource.NewMemory()
	src.Put("f", make([]byte, 1024))
	r, _ := newTestRegistry(t, src)

	mapped := netip.MustParseAddrPort("[::ffff:198.51.100.1]:3000")
	r.Route(mapped, encode(t, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet}), epoch)
	out := r.Route(peerA, encode(t, &protocol.Ack{Block: 1}), epoch)
	if d, ok := replyPacket(t, out, peerA).(*protocol.Data); !ok || d.Block != 2 {
		t.Fatalf("expected DATA 2, got %+v", d)
	}
}
