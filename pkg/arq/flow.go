// Package arq implements the relay's reliable-UDP transport: a KCP-style
// ARQ layer multiplexed over one shared UDP socket, demultiplexed by a
// 4-byte little-endian conv id prefixed to every datagram. It wraps
// github.com/xtaci/kcp-go/v5's low-level kcp.KCP engine rather than that
// package's higher-level UDPSession/Listener, because the high-level API
// assumes either one socket per session or reactive accept-on-first-packet;
// neither fits a design where many conv-keyed flows are proactively
// created by the Monitor Server over a socket it already owns.
package arq

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
)

// Fixed protocol parameters; both ends of a flow must agree on them.
const (
	MTU            = 1450
	SendWindow     = 128
	RecvWindow     = 128
	NoDelay        = 1  // nodelay mode on
	UpdateInterval = 10 // ms
	FastResend     = 2  // dup-ACK threshold before a fast retransmit
	NoCongestion   = 1  // disable the classic-TCP-style congestion backoff
)

// DeadPeerTimeout is how long a flow's peer may stay completely silent
// before the owning component tears the flow down.
const DeadPeerTimeout = 30 * time.Second

// ConvHeaderSize is the width of the little-endian conv prefix every
// datagram carries ahead of the KCP segment itself.
const ConvHeaderSize = 4

// SendFunc transmits a raw datagram (conv-prefixed) to the flow's peer. The
// Monitor Server supplies one bound to its single shared net.PacketConn and
// the flow's negotiated peer address; a Flow never opens its own socket.
type SendFunc func(payload []byte) error

// Flow is one reliable-UDP endpoint: a conv id, a peer, and a kcp.KCP
// engine instance. Exactly one Flow exists per (monitor client, camera)
// pair.
type Flow struct {
	Conv uint32

	mu        sync.Mutex
	kcp       *kcp.KCP
	send      SendFunc
	closed    bool
	lastHeard time.Time
}

// New creates a Flow for the given conv id. send is called by the engine's
// output callback whenever it has a segment ready to transmit; the caller
// is responsible for actually writing it to the shared socket. The flow
// prefixes each segment with the conv id itself, so send receives a
// datagram that is ready to write as-is.
func New(conv uint32, send SendFunc) *Flow {
	f := &Flow{Conv: conv, send: send, lastHeard: time.Now()}
	f.kcp = kcp.NewKCP(conv, f.output)
	f.kcp.SetMtu(MTU)
	f.kcp.WndSize(SendWindow, RecvWindow)
	f.kcp.NoDelay(NoDelay, UpdateInterval, FastResend, NoCongestion)
	return f
}

// output is the engine's low-level write callback; it prepends the conv
// prefix and hands the datagram to the flow's SendFunc.
func (f *Flow) output(buf []byte, size int) {
	if f.send == nil || size == 0 {
		return
	}
	out := make([]byte, ConvHeaderSize+size)
	binary.LittleEndian.PutUint32(out[:ConvHeaderSize], f.Conv)
	copy(out[ConvHeaderSize:], buf[:size])
	_ = f.send(out)
}

// Send queues application data for reliable delivery.
func (f *Flow) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("arq: flow %d is closed", f.Conv)
	}
	if n := f.kcp.Send(data); n < 0 {
		return fmt.Errorf("arq: send failed on flow %d (code %d)", f.Conv, n)
	}
	return nil
}

// Input feeds a raw KCP segment (conv prefix already stripped by the
// demuxer) received from the peer into the engine.
func (f *Flow) Input(segment []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.lastHeard = time.Now()
	if n := f.kcp.Input(segment, true, true); n < 0 {
		return fmt.Errorf("arq: input rejected on flow %d (code %d)", f.Conv, n)
	}
	return nil
}

// Recv drains any data the engine has fully reassembled. It returns
// (nil, false) if nothing is ready yet.
func (f *Flow) Recv() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size := f.kcp.PeekSize()
	if size <= 0 {
		return nil, false
	}
	buf := make([]byte, size)
	n := f.kcp.Recv(buf)
	if n < 0 {
		return nil, false
	}
	return buf[:n], true
}

// Update drives retransmission timers and ACK processing. Callers schedule
// this periodically (every UpdateInterval ms) via a reactor timer rather
// than a dedicated OS thread per flow.
func (f *Flow) Update(currentMillis uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.kcp.Update()
}

// Check reports the millisecond timestamp at which Update should next be
// invoked, letting a caller coalesce scheduling instead of polling blindly.
func (f *Flow) Check(currentMillis uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kcp.Check()
}

// SilentFor reports whether the peer has sent nothing (not even an ACK) for
// at least d, counted from flow creation if it never spoke at all.
func (f *Flow) SilentFor(d time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.lastHeard) >= d
}

// Close marks the flow as no longer accepting input or producing output.
// The caller (Monitor Server) is responsible for removing the flow's conv
// from the shared demux table.
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}
