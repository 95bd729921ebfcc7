// Package transport carries TFTP datagrams over UDP.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// recvBufSize leaves room above protocol.MaxPacketSize so oversized
// datagrams are seen (and rejected) rather than silently truncated to a
// valid length.
const recvBufSize = 2048

// Datagram is one received packet. Data is owned by the receiver.
type Datagram struct {
	From netip.AddrPort
	Data []byte
}

// Conn is a UDP socket. Receive allocates a fresh buffer per datagram, so
// a Datagram can be handed to another goroutine without copying.
type Conn struct {
	pc *net.UDPConn
}

// Listen binds a UDP socket to addr ("host:port"; port 0 picks a free one).
func Listen(addr string) (*Conn, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	pc, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}
	return &Conn{pc: pc}, nil
}

// ListenFor binds an ephemeral socket of the same address family as
// remote, for clients.
func ListenFor(remote netip.AddrPort) (*Conn, error) {
	network, laddr := "udp4", &net.UDPAddr{IP: net.IPv4zero}
	if remote.Addr().Unmap().Is6() {
		network, laddr = "udp6", &net.UDPAddr{IP: net.IPv6unspecified}
	}
	pc, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}
	return &Conn{pc: pc}, nil
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() netip.AddrPort {
	return c.pc.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Port returns the bound UDP port.
func (c *Conn) Port() int {
	return int(c.LocalAddr().Port())
}

// Receive blocks for the next datagram. The source address is normalized
// so IPv4 peers on a dual-stack socket compare equal to plain IPv4.
func (c *Conn) Receive() (Datagram, error) {
	buf := make([]byte, recvBufSize)
	n, from, err := c.pc.ReadFromUDPAddrPort(buf)
	if err != nil {
		return Datagram{}, err
	}
	return Datagram{
		From: Normalize(from),
		Data: buf[:n],
	}, nil
}

// Send writes one datagram to to.
func (c *Conn) Send(to netip.AddrPort, b []byte) error {
	_, err := c.pc.WriteToUDPAddrPort(b, to)
	return err
}

// SetReadDeadline bounds the next Receive.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.pc.SetReadDeadline(t)
}

// Close closes the socket, unblocking any pending Receive.
func (c *Conn) Close() error {
	return c.pc.Close()
}

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosed reports whether err came from a closed socket.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Normalize unmaps IPv4-mapped IPv6 addresses.
func Normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
