// Package server runs a single-socket TFTP server: one UDP socket, one
// dispatch loop, and a Registry of per-peer transfer sessions.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/chronologos/gotftp/internal/datasource"
	"github.com/chronologos/gotftp/internal/retransmit"
	"github.com/chronologos/gotftp/internal/session"
	"github.com/chronologos/gotftp/internal/transport"
)

const (
	defaultTickInterval = 100 * time.Millisecond
	datagramQueue       = 64
	summaryQueue        = 64
)

// Config holds server configuration.
type Config struct {
	Addr         string // "host:port"
	Policy       retransmit.Policy
	TickInterval time.Duration
	Log          *slog.Logger

	// OnTransfer, if set, receives the summary of every finished transfer.
	// It runs on its own goroutine, never on the dispatch loop.
	OnTransfer func(session.Summary)
}

// Server serves one DataSource.
type Server struct {
	cfg  Config
	src  datasource.DataSource
	log  *slog.Logger
	reg  *Registry
	conn *transport.Conn

	summaries chan session.Summary

	// Ready is closed once the socket is bound, with Addr set.
	Ready chan struct{}
	Addr  netip.AddrPort
}

// New creates a server but does not bind. Call Run to serve.
func New(cfg Config, src datasource.DataSource) *Server {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	cfg.Policy = cfg.Policy.WithDefaults()
	logger := cfg.Log
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		cfg:       cfg,
		src:       src,
		log:       logger.With("component", "server"),
		summaries: make(chan session.Summary, summaryQueue),
		Ready:     make(chan struct{}),
	}
	sessLog := logger.With("component", "session")
	s.reg = NewRegistry(func(peer netip.AddrPort) *session.Session {
		return session.New(peer, src, session.Config{Policy: cfg.Policy, Log: sessLog})
	}, s.queueSummary, s.log)
	return s
}

// Registry exposes the server's sessions.
func (s *Server) Registry() *Registry {
	return s.reg
}

// Run binds the socket and serves until ctx is cancelled or the socket
// fails. On return every live transfer has been aborted and its DataSource
// handle released.
func (s *Server) Run(ctx context.Context) error {
	conn, err := transport.Listen(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.conn = conn

	done := make(chan struct{})
	reporterDone := make(chan struct{})
	go s.report(reporterDone)

	defer func() {
		s.send(s.reg.CloseAll(session.ErrShutdown, time.Now()))
		close(done)
		conn.Close()
		close(s.summaries)
		<-reporterDone
	}()

	s.Addr = conn.LocalAddr()
	close(s.Ready)
	s.log.Info("listening", "addr", s.Addr.String(), "timeout", s.cfg.Policy.Timeout,
		"max_retries", s.cfg.Policy.MaxRetries)

	datagrams := make(chan transport.Datagram, datagramQueue)
	readErr := make(chan error, 1)
	go s.readLoop(datagrams, readErr, done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case dg := <-datagrams:
			s.send(s.reg.Route(dg.From, dg.Data, time.Now()))

		case now := <-ticker.C:
			s.send(s.reg.Tick(now))

		case err := <-readErr:
			return fmt.Errorf("receive: %w", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readLoop receives datagrams until the socket is closed. Each datagram
// owns its buffer.
func (s *Server) readLoop(ch chan<- transport.Datagram, errCh chan<- error, done <-chan struct{}) {
	for {
		dg, err := s.conn.Receive()
		if err != nil {
			if !transport.IsClosed(err) {
				errCh <- err
			}
			return
		}
		select {
		case ch <- dg:
		case <-done:
			return
		}
	}
}

// send writes replies best-effort; a failed send is treated like a lost
// datagram.
func (s *Server) send(replies []session.Reply) {
	for _, r := range replies {
		if err := s.conn.Send(r.To, r.Data); err != nil {
			s.log.Warn("send failed", "peer", r.To.String(), "err", err)
		}
	}
}

// queueSummary hands a finished transfer to the reporter without blocking
// the dispatch loop; summaries are dropped if the reporter falls behind.
func (s *Server) queueSummary(sum session.Summary) {
	if s.cfg.OnTransfer == nil {
		return
	}
	select {
	case s.summaries <- sum:
	default:
		s.log.Warn("transfer report dropped", "transfer", sum.ID)
	}
}

func (s *Server) report(done chan<- struct{}) {
	defer close(done)
	for sum := range s.summaries {
		s.cfg.OnTransfer(sum)
	}
}
