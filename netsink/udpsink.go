package netsink

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// UDPSink is a PacketSink backed by a real UDP socket, optionally opened
// with SO_REUSEPORT so multiple receive workers can share one port the way the
// original kernel module's per-core RX queues do (grounded on the raw
// socket-option handling in the tcp-info collector's netlink socket
// setup, generalized here from AF_NETLINK to AF_INET/AF_INET6 UDP).
type UDPSink struct {
	conn *net.UDPConn
	buf  []byte
}

// UDPSinkConfig controls socket construction.
type UDPSinkConfig struct {
	// LocalAddr is the address/port to bind. A zero port lets the kernel
	// choose (client sockets); a server socket supplies a fixed port.
	LocalAddr netip.AddrPort
	// ReusePort sets SO_REUSEPORT, letting several sockets share
	// LocalAddr's port for multi-worker receive fan-out.
	ReusePort bool
	// RecvBufBytes, if non-zero, sets SO_RCVBUF to absorb bursts without
	// kernel-level drops ahead of user-space backpressure.
	RecvBufBytes int
	// SendBufBytes, if non-zero, sets SO_SNDBUF.
	SendBufBytes int
	// MaxPacketBytes sizes the receive buffer; must be at least the
	// largest packet the peer population can send (MinPacketSize/GSO
	// buffer ceilings in wire/msg bound this in practice).
	MaxPacketBytes int
}

// NewUDPSink opens a UDP socket per cfg. SO_REUSEPORT and buffer-size
// options are applied via the raw file descriptor through
// golang.org/x/sys/unix, since net.ListenConfig has no portable hook for
// them.
func NewUDPSink(cfg UDPSinkConfig) (*UDPSink, error) {
	network := "udp4"
	if cfg.LocalAddr.Addr().Is6() {
		network = "udp6"
	}

	listenCfg := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var ctrlErr error
			err := rc.Control(func(fd uintptr) {
				if cfg.ReusePort {
					if ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); ctrlErr != nil {
						return
					}
				}
				if cfg.RecvBufBytes > 0 {
					if ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RecvBufBytes); ctrlErr != nil {
						return
					}
				}
				if cfg.SendBufBytes > 0 {
					ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBufBytes)
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	pc, err := listenCfg.ListenPacket(context.Background(), network, cfg.LocalAddr.String())
	if err != nil {
		return nil, fmt.Errorf("netsink: listen %s: %w", cfg.LocalAddr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("netsink: unexpected packet conn type %T", pc)
	}

	maxPkt := cfg.MaxPacketBytes
	if maxPkt <= 0 {
		maxPkt = 65507
	}

	return &UDPSink{conn: conn, buf: make([]byte, maxPkt)}, nil
}

// SendTo implements PacketSink.
func (s *UDPSink) SendTo(addr netip.AddrPort, payload []byte) error {
	if _, err := s.conn.WriteToUDPAddrPort(payload, addr); err != nil {
		return fmt.Errorf("netsink: send to %s: %w", addr, err)
	}
	return nil
}

// RecvFrom implements PacketSink. The returned slice aliases an internal
// buffer valid only until the next RecvFrom call.
func (s *UDPSink) RecvFrom() ([]byte, netip.AddrPort, error) {
	n, from, err := s.conn.ReadFromUDPAddrPort(s.buf)
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("netsink: recv: %w", err)
	}
	return s.buf[:n], from, nil
}

// Close implements PacketSink.
func (s *UDPSink) Close() error { return s.conn.Close() }

// SystemTime is a TimeSource backed by Go's monotonic clock: nanoseconds
// elapsed since systemTimeBase, the "cycles" unit consumed by
// pacer.Estimator and timer ticks.
type SystemTime struct{}

var systemTimeBase = time.Now()

// Now implements TimeSource.
func (SystemTime) Now() int64 { return int64(time.Since(systemTimeBase)) }
