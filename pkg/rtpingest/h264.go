// Package rtpingest turns incoming RTP packets carrying H.264 into
// ordered Annex-B NAL units: single NALUs, STAP-A aggregates, and FU-A
// fragments, reordered through a fixed 64-packet window before
// reassembly.
package rtpingest

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// NAL unit type values, as carried in the low 5 bits of the first payload
// byte (RFC 6184 §5.3).
const (
	NALUTypeUnspecified = 0
	NALUTypePFrame      = 1
	NALUTypeIFrame      = 5
	NALUTypeSEI         = 6
	NALUTypeSPS         = 7
	NALUTypePPS         = 8
	NALUTypeAUD         = 9
	NALUTypeSTAPA       = 24 // Single-Time Aggregation Packet
	NALUTypeFUA         = 28 // Fragmentation Unit A
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// Depacketizer reassembles a single camera's RTP stream into Annex-B H.264
// NAL units. It is not safe for concurrent use; a relay.CameraRelay owns
// exactly one per ingest session and feeds it every video track's packets,
// consistent with "single-threaded-cooperative
// callback execution" elsewhere in this tree.
type Depacketizer struct {
	reorder *reorderBuffer

	assembling     bool
	assemblingBuf  []byte
	assemblingTS   uint32
	assemblingType uint8

	sps, pps []byte

	// OnNAL is called once per emitted NAL unit, in RTP-sequence order, with
	// the Annex-B start code already prepended and the 90kHz RTP timestamp
	// it was carried under. keyframe is true for IDR slices.
	OnNAL func(nalu []byte, timestamp uint32, keyframe bool)

	// OnWarning reports recoverable depacketization problems (dropped
	// fragment, aborted assembly) without tearing down the session.
	OnWarning func(msg string)
}

// New creates a Depacketizer.
func New() *Depacketizer {
	return &Depacketizer{reorder: newReorderBuffer()}
}

// ProcessPacket feeds one RTP packet into the depacketizer. Packets may
// arrive out of order; ProcessPacket buffers and reorders internally and
// calls OnNAL only once packets are ready for in-order processing.
func (d *Depacketizer) ProcessPacket(pkt *rtp.Packet) error {
	if len(pkt.Payload) == 0 {
		return nil
	}

	ready, dup := d.reorder.insert(pkt)
	if dup {
		d.warn(fmt.Sprintf("dropped duplicate sequence %d", pkt.SequenceNumber))
		return nil
	}

	for _, p := range ready {
		if err := d.dispatch(p); err != nil {
			return err
		}
	}
	return nil
}

// Flush delivers every packet still buffered in the reorder window,
// regardless of gaps, used when a session is torn down mid-stream.
func (d *Depacketizer) Flush() {
	for _, p := range d.reorder.flush() {
		_ = d.dispatch(p)
	}
}

func (d *Depacketizer) warn(msg string) {
	if d.OnWarning != nil {
		d.OnWarning(msg)
	}
}

func (d *Depacketizer) dispatch(pkt *rtp.Packet) error {
	payload := pkt.Payload
	if len(payload) == 0 {
		return nil
	}
	naluType := payload[0] & 0x1F

	switch naluType {
	case NALUTypeFUA:
		return d.processFUA(pkt)
	case NALUTypeSTAPA:
		return d.processSTAPA(pkt)
	default:
		return d.processSingleNALU(pkt)
	}
}

// processFUA handles fragmented NAL units (FU-A, RFC 6184 §5.8). A
// fragment is only appended to an in-progress assembly if assembly has
// actually started (the start bit was seen) and the fragment's RTP
// timestamp matches the one that started it. Anything else, a
// continuation/end fragment with no matching start or one whose timestamp
// has drifted, is dropped and the in-flight assembly (if any) is aborted
// rather than silently corrupting the frame.
func (d *Depacketizer) processFUA(pkt *rtp.Packet) error {
	if len(pkt.Payload) < 2 {
		return fmt.Errorf("FU-A packet too short")
	}

	fuIndicator := pkt.Payload[0]
	fuHeader := pkt.Payload[1]
	fragment := pkt.Payload[2:]

	start := (fuHeader & 0x80) != 0
	end := (fuHeader & 0x40) != 0
	naluType := fuHeader & 0x1F

	if start {
		nalHeader := (fuIndicator & 0xE0) | naluType
		d.assembling = true
		d.assemblingTS = pkt.Timestamp
		d.assemblingType = naluType
		d.assemblingBuf = append(d.assemblingBuf[:0], annexBStartCode...)
		d.assemblingBuf = append(d.assemblingBuf, nalHeader)
		d.assemblingBuf = append(d.assemblingBuf, fragment...)
		return nil
	}

	if !d.assembling || pkt.Timestamp != d.assemblingTS {
		d.warn(fmt.Sprintf("dropped FU-A fragment with no matching start (seq %d)", pkt.SequenceNumber))
		d.assembling = false
		return nil
	}

	d.assemblingBuf = append(d.assemblingBuf, fragment...)

	if end {
		nalu := d.assemblingBuf
		naluType := d.assemblingType
		d.assembling = false
		d.assemblingBuf = nil
		return d.emitAssembled(nalu, naluType, pkt.Timestamp)
	}

	return nil
}

// processSTAPA handles single-time aggregation packets: several small NAL
// units (typically SPS+PPS) packed into one RTP payload, each prefixed by a
// 2-byte big-endian length.
func (d *Depacketizer) processSTAPA(pkt *rtp.Packet) error {
	payload := pkt.Payload[1:] // skip the STAP-A indicator byte

	for len(payload) > 2 {
		naluSize := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]

		if len(payload) < int(naluSize) {
			return fmt.Errorf("STAP-A NALU size exceeds payload")
		}

		nalu := payload[:naluSize]
		payload = payload[naluSize:]

		d.cacheParameterSet(nalu)
		if d.OnNAL != nil {
			out := append(append([]byte{}, annexBStartCode...), nalu...)
			d.OnNAL(out, pkt.Timestamp, len(nalu) > 0 && nalu[0]&0x1F == NALUTypeIFrame)
		}
	}

	return nil
}

func (d *Depacketizer) processSingleNALU(pkt *rtp.Packet) error {
	naluType := pkt.Payload[0] & 0x1F
	return d.emitAssembled(append(append([]byte{}, annexBStartCode...), pkt.Payload...), naluType, pkt.Timestamp)
}

// emitAssembled caches SPS/PPS for the accessors and hands the reassembled
// NAL to OnNAL verbatim.
func (d *Depacketizer) emitAssembled(nalu []byte, naluType uint8, timestamp uint32) error {
	d.cacheParameterSet(nalu[len(annexBStartCode):])

	if d.OnNAL != nil {
		d.OnNAL(nalu, timestamp, naluType == NALUTypeIFrame)
	}
	return nil
}

func (d *Depacketizer) cacheParameterSet(rawNalu []byte) {
	if len(rawNalu) == 0 {
		return
	}
	switch rawNalu[0] & 0x1F {
	case NALUTypeSPS:
		d.sps = append(d.sps[:0], rawNalu...)
	case NALUTypePPS:
		d.pps = append(d.pps[:0], rawNalu...)
	}
}

// SPS returns the most recently cached SPS NAL unit payload (header byte
// included, no start code).
func (d *Depacketizer) SPS() []byte { return d.sps }

// PPS returns the most recently cached PPS NAL unit payload.
func (d *Depacketizer) PPS() []byte { return d.pps }
