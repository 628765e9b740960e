package arq

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/sigurn/crc16"
)

// SharedSocket is the single net.PacketConn that every reliable-UDP flow
// on a given port shares, demultiplexing inbound datagrams by the 4-byte
// conv prefix.
type SharedSocket struct {
	conn net.PacketConn

	mu    sync.RWMutex
	flows map[uint32]*boundFlow
}

type boundFlow struct {
	flow *Flow
	peer net.Addr
}

// NewSharedSocket binds a UDP socket at the given local address.
func NewSharedSocket(localAddr string) (*SharedSocket, error) {
	conn, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("arq: listen %s: %w", localAddr, err)
	}
	return &SharedSocket{conn: conn, flows: make(map[uint32]*boundFlow)}, nil
}

// crcTable backs the conv-collision integrity check below.
var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// validateConv is a compact integrity guard: it checksums the conv id
// together with the registering peer's address, logging (via the returned
// error) the rare case where two flows end up registered under the same
// conv against different peers, which the data model says must never
// happen on a single UDP port.
func validateConv(conv uint32, peer net.Addr, existing net.Addr) error {
	if existing == nil || existing.String() == peer.String() {
		return nil
	}
	sum := crc16.Checksum([]byte(fmt.Sprintf("%d:%s", conv, peer.String())), crcTable)
	return fmt.Errorf("arq: conv %d (check %04x) already bound to %s, rejecting registration from %s",
		conv, sum, existing, peer)
}

// Register creates and binds a new Flow for conv, targeting peer. The
// returned Flow's SendFunc writes through this shared socket.
func (s *SharedSocket) Register(conv uint32, peer net.Addr) (*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bf, ok := s.flows[conv]; ok {
		if err := validateConv(conv, peer, bf.peer); err != nil {
			return nil, err
		}
		return bf.flow, nil
	}

	f := New(conv, func(payload []byte) error {
		_, err := s.conn.WriteTo(payload, peer)
		return err
	})
	s.flows[conv] = &boundFlow{flow: f, peer: peer}
	return f, nil
}

// Unregister removes a flow from the demux table and closes it.
func (s *SharedSocket) Unregister(conv uint32) {
	s.mu.Lock()
	bf, ok := s.flows[conv]
	delete(s.flows, conv)
	s.mu.Unlock()
	if ok {
		bf.flow.Close()
	}
}

// ReadLoop blocks, reading datagrams off the socket and dispatching each to
// its registered flow by conv prefix, until the socket is closed. Intended
// to run as a dedicated goroutine whose results are handed to the owning
// reactor via Flow.Input (itself safe to call directly; it only locks the
// flow's own mutex).
func (s *SharedSocket) ReadLoop(onUnknownConv func(conv uint32, peer net.Addr, segment []byte)) error {
	buf := make([]byte, 2048)
	for {
		n, peer, err := s.conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		if n < ConvHeaderSize {
			continue
		}
		conv := binary.LittleEndian.Uint32(buf[:ConvHeaderSize])
		segment := append([]byte(nil), buf[ConvHeaderSize:n]...)

		s.mu.RLock()
		bf, ok := s.flows[conv]
		s.mu.RUnlock()

		if !ok {
			if onUnknownConv != nil {
				onUnknownConv(conv, peer, segment)
			}
			continue
		}
		_ = bf.flow.Input(segment)
	}
}

// Close closes the underlying socket, unblocking ReadLoop.
func (s *SharedSocket) Close() error {
	return s.conn.Close()
}

// UpdateAll drives Flow.Update on every registered flow, for a caller that
// schedules this periodically (every UpdateInterval ms) via a single
// reactor timer rather than one timer per flow.
func (s *SharedSocket) UpdateAll(currentMillis uint32) {
	s.mu.RLock()
	flows := make([]*Flow, 0, len(s.flows))
	for _, bf := range s.flows {
		flows = append(flows, bf.flow)
	}
	s.mu.RUnlock()

	for _, f := range flows {
		f.Update(currentMillis)
	}
}
