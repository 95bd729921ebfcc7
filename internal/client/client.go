// Package client implements the requesting side of a TFTP transfer.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/chronologos/gotftp/internal/datasource"
	"github.com/chronologos/gotftp/internal/netascii"
	"github.com/chronologos/gotftp/internal/protocol"
	"github.com/chronologos/gotftp/internal/retransmit"
	"github.com/chronologos/gotftp/internal/transport"
)

var ErrTimeout = errors.New("tftp: server did not respond")

// Config holds client configuration.
type Config struct {
	Server string // "host:port"
	Mode   protocol.Mode
	Policy retransmit.Policy
	Log    *slog.Logger
}

// Client performs one transfer at a time per call; calls may run
// concurrently, each on its own socket.
type Client struct {
	cfg    Config
	log    *slog.Logger
	server netip.AddrPort
}

// New resolves the server address.
func New(cfg Config) (*Client, error) {
	ua, err := net.ResolveUDPAddr("udp", cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Server, err)
	}
	logger := cfg.Log
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.Policy = cfg.Policy.WithDefaults()
	return &Client{
		cfg:    cfg,
		log:    logger.With("component", "client"),
		server: transport.Normalize(ua.AddrPort()),
	}, nil
}

// Result describes a finished transfer.
type Result struct {
	Bytes       int64 // payload bytes on the wire
	Blocks      int
	Retransmits int
	Elapsed     time.Duration
}

// exchange is one transfer's socket, peer lock and retransmission state.
type exchange struct {
	c     *Client
	conn  *transport.Conn
	timer *retransmit.Timer
	tid   netip.AddrPort // zero until the server's first reply
	last  []byte

	// started is set once the first Data (Get) or Ack 0 (Put) is accepted.
	started bool
}

func (c *Client) open(ctx context.Context) (*exchange, func(), error) {
	conn, err := transport.ListenFor(c.server)
	if err != nil {
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	return &exchange{
			c:     c,
			conn:  conn,
			timer: retransmit.New(c.cfg.Policy),
		}, func() {
			stop()
			conn.Close()
		}, nil
}

// send transmits p as the packet in flight.
func (x *exchange) send(p protocol.Packet, to netip.AddrPort) error {
	b, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	x.last = b
	x.timer.Arm(time.Now())
	return x.conn.Send(to, b)
}

// peer is where the packet in flight goes: the request port until the
// server has chosen a TID.
func (x *exchange) peer() netip.AddrPort {
	if x.tid.IsValid() {
		return x.tid
	}
	return x.c.server
}

// next returns the next packet from the server's TID, retransmitting the
// packet in flight on every expiry until the retry budget is spent.
func (x *exchange) next(ctx context.Context) (protocol.Packet, error) {
	for {
		deadline, _ := x.timer.Deadline()
		x.conn.SetReadDeadline(deadline)
		dg, err := x.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !transport.IsTimeout(err) {
				return nil, err
			}
			if !x.timer.Retry(time.Now()) {
				return nil, ErrTimeout
			}
			x.c.log.Debug("retransmit", "retry", x.timer.Retries())
			if err := x.conn.Send(x.peer(), x.last); err != nil {
				return nil, err
			}
			continue
		}

		if x.tid.IsValid() && dg.From != x.tid {
			x.reject(dg.From)
			continue
		}
		// Replies come from the server's address; a single-socket
		// server answers from the request port itself.
		if !x.tid.IsValid() && dg.From.Addr() != x.c.server.Addr() {
			continue
		}

		p, err := protocol.Decode(dg.Data)
		if err != nil {
			x.c.log.Debug("malformed reply", "err", err)
			continue
		}
		if x.echoedRequest(p) {
			x.c.log.Debug("ignoring error for retransmitted request", "err", p)
			continue
		}
		if !x.tid.IsValid() {
			x.tid = dg.From
		}
		return p, nil
	}
}

// echoedRequest reports whether p is the server refusing a retransmitted
// request because the original already opened a transfer. The server's own
// retransmission of its first reply will follow.
func (x *exchange) echoedRequest(p protocol.Packet) bool {
	e, ok := p.(*protocol.Error)
	return ok && !x.started && x.timer.Retries() > 0 &&
		e.Code == protocol.ErrCodeIllegalOperation
}

func (x *exchange) reject(to netip.AddrPort) {
	b := protocol.MustEncode(protocol.NewError(protocol.ErrCodeUnknownTID, ""))
	x.conn.Send(to, b)
}

// abort tells the server the transfer is over. Best-effort.
func (x *exchange) abort(code protocol.ErrorCode, err error) {
	b, encErr := protocol.Encode(protocol.NewError(code, err.Error()))
	if encErr != nil {
		return
	}
	x.conn.Send(x.peer(), b)
}

// Get downloads remote into w.
func (c *Client) Get(ctx context.Context, remote string, w io.Writer) (Result, error) {
	x, closeFn, err := c.open(ctx)
	if err != nil {
		return Result{}, err
	}
	defer closeFn()

	start := time.Now()
	var res Result

	out := w
	var flush io.Closer
	if c.cfg.Mode == protocol.ModeNetascii {
		nw := netascii.NewWriter(w)
		out, flush = nw, nw
	}

	if err := x.send(&protocol.ReadRequest{Filename: remote, Mode: c.cfg.Mode}, c.server); err != nil {
		return res, err
	}

	expect := uint16(1)
	for {
		p, err := x.next(ctx)
		if err != nil {
			return res, err
		}
		switch m := p.(type) {
		case *protocol.Data:
			if m.Block != expect {
				if m.Block == expect-1 {
					// Our last ack was lost.
					x.conn.Send(x.peer(), x.last)
				}
				continue
			}
			x.started = true
			if err := datasource.WriteBlock(out, m.Payload); err != nil {
				x.abort(protocol.ErrCodeDiskFull, err)
				return res, err
			}
			res.Bytes += int64(len(m.Payload))
			res.Blocks++
			if err := x.send(&protocol.Ack{Block: m.Block}, x.peer()); err != nil {
				return res, err
			}
			if len(m.Payload) < protocol.BlockSize {
				if flush != nil {
					if err := flush.Close(); err != nil {
						return res, err
					}
				}
				res.Retransmits = x.timer.Total()
				res.Elapsed = time.Since(start)
				return res, nil
			}
			expect++
		case *protocol.Error:
			return res, m
		default:
			x.c.log.Debug("unexpected packet", "op", p.Opcode().String())
		}
	}
}

// Put uploads the contents of r as remote.
//
// The server stores the file before sending its final Ack. If that Ack is
// lost, Put retransmits the last block, the server no longer has a transfer
// for it and answers UnknownTID, and Put returns that error even though the
// upload was saved.
func (c *Client) Put(ctx context.Context, remote string, r io.Reader) (Result, error) {
	x, closeFn, err := c.open(ctx)
	if err != nil {
		return Result{}, err
	}
	defer closeFn()

	start := time.Now()
	var res Result

	in := r
	if c.cfg.Mode == protocol.ModeNetascii {
		in = netascii.NewReader(r)
	}

	if err := x.send(&protocol.WriteRequest{Filename: remote, Mode: c.cfg.Mode}, c.server); err != nil {
		return res, err
	}

	expect := uint16(0)
	lastLen := protocol.BlockSize
	for {
		p, err := x.next(ctx)
		if err != nil {
			return res, err
		}
		switch m := p.(type) {
		case *protocol.Ack:
			if m.Block != expect {
				continue
			}
			x.started = true
			if expect != 0 && lastLen < protocol.BlockSize {
				res.Retransmits = x.timer.Total()
				res.Elapsed = time.Since(start)
				return res, nil
			}
			payload, err := datasource.ReadBlock(in)
			if err != nil {
				x.abort(protocol.ErrCodeNotDefined, err)
				return res, err
			}
			expect++
			lastLen = len(payload)
			res.Bytes += int64(lastLen)
			res.Blocks++
			if err := x.send(&protocol.Data{Block: expect, Payload: payload}, x.peer()); err != nil {
				return res, err
			}
		case *protocol.Error:
			return res, m
		default:
			x.c.log.Debug("unexpected packet", "op", p.Opcode().String())
		}
	}
}
