package rtpingest

import "github.com/pion/rtp"

// reorderBufferCapacity bounds how many out-of-order packets are held
// before the oldest is force-drained.
const reorderBufferCapacity = 64

// seqLess reports whether a precedes b under 16-bit modular sequence-number
// arithmetic (RFC 3550 §5.1), so that a wraparound from 65535 to 0 still
// orders correctly.
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// reorderBuffer holds out-of-order RTP packets until they can be delivered
// in sequence-number order. It drops duplicates outright and, once it
// would exceed capacity, eagerly evicts and delivers the oldest buffered
// packet rather than waiting forever for a lost one.
type reorderBuffer struct {
	buf         map[uint16]*rtp.Packet
	hasExpected bool
	expected    uint16

	// lastDelivered tracks the newest sequence number ever handed out, so a
	// duplicate arriving after its original was delivered (and erased from
	// buf) is still recognized and dropped instead of re-buffered.
	hasDelivered  bool
	lastDelivered uint16
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{buf: make(map[uint16]*rtp.Packet, reorderBufferCapacity+1)}
}

// insert adds pkt to the buffer and returns, in sequence order, every packet
// now ready for delivery. A duplicate sequence number is silently dropped
// (returns nil, true). dup reports whether pkt was a duplicate.
func (r *reorderBuffer) insert(pkt *rtp.Packet) (drained []*rtp.Packet, dup bool) {
	seq := pkt.SequenceNumber

	if _, exists := r.buf[seq]; exists {
		return nil, true
	}
	// A seq at or behind the last delivered one was either already emitted
	// or permanently skipped by an eager drain; re-buffering it could
	// produce a second emission for the same packet later.
	if r.hasDelivered && !seqLess(r.lastDelivered, seq) {
		return nil, true
	}
	if !r.hasExpected {
		r.hasExpected = true
		r.expected = seq
	}
	r.buf[seq] = pkt

	drained = r.drainContiguous()

	for len(r.buf) > reorderBufferCapacity {
		oldest, ok := r.oldestSeq()
		if !ok {
			break
		}
		drained = append(drained, r.buf[oldest])
		delete(r.buf, oldest)
		r.markDelivered(oldest)
		r.expected = oldest + 1
		drained = append(drained, r.drainContiguous()...)
	}

	return drained, false
}

func (r *reorderBuffer) drainContiguous() []*rtp.Packet {
	var out []*rtp.Packet
	for {
		p, ok := r.buf[r.expected]
		if !ok {
			break
		}
		out = append(out, p)
		delete(r.buf, r.expected)
		r.markDelivered(r.expected)
		r.expected++
	}
	return out
}

func (r *reorderBuffer) markDelivered(seq uint16) {
	r.hasDelivered = true
	r.lastDelivered = seq
}

func (r *reorderBuffer) oldestSeq() (uint16, bool) {
	var best uint16
	found := false
	for seq := range r.buf {
		if !found || seqLess(seq, best) {
			best = seq
			found = true
		}
	}
	return best, found
}

// flush drains and returns every packet still held, in sequence order,
// regardless of gaps — used when an ingest session is torn down.
func (r *reorderBuffer) flush() []*rtp.Packet {
	seqs := make([]uint16, 0, len(r.buf))
	for seq := range r.buf {
		seqs = append(seqs, seq)
	}
	// simple insertion sort under modular ordering; capacity is tiny (<=64)
	for i := 1; i < len(seqs); i++ {
		for j := i; j > 0 && seqLess(seqs[j], seqs[j-1]); j-- {
			seqs[j], seqs[j-1] = seqs[j-1], seqs[j]
		}
	}
	out := make([]*rtp.Packet, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, r.buf[seq])
		delete(r.buf, seq)
		r.markDelivered(seq)
	}
	return out
}
