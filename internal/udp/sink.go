package udp

import (
	"fmt"
	"net"
)

// MaxDatagram is the largest payload Send will put on the wire. Telemetry
// messages are a few hundred bytes; anything bigger is a bug upstream.
const MaxDatagram = 1472

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Sink sends each telemetry message as one datagram to a fixed destination.
type Sink struct {
	dest string
	conn udpConn
}

func NewSink(dest string) (*Sink, error) {
	return newSink(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newSink(dest string, resolve resolveFunc, dial dialFunc) (*Sink, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("udp telemetry: resolve %s: %w", dest, err)
	}
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("udp telemetry: dial %s: %w", dest, err)
	}
	return &Sink{dest: dest, conn: conn}, nil
}

func (s *Sink) Dest() string { return s.dest }

func (s *Sink) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if len(payload) > MaxDatagram {
		return fmt.Errorf("udp telemetry: payload %d bytes exceeds %d", len(payload), MaxDatagram)
	}
	_, err := s.conn.Write(payload)
	return err
}

func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
