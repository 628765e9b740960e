package rtsp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// udpPortBase is the bottom of the server-side media port range. SETUP
// allocates even RTP / odd RTCP pairs monotonically upward from here.
const udpPortBase = 10000

var (
	portMu   sync.Mutex
	nextPort = uint16(udpPortBase)
)

// allocatePortPair binds an even/odd UDP socket pair for one track, walking
// the port space monotonically from udpPortBase under a package-wide mutex
// so concurrent SETUPs across sessions never collide on a pair.
func allocatePortPair(bindIP net.IP) (rtpConn, rtcpConn *net.UDPConn, rtpPort uint16, err error) {
	portMu.Lock()
	defer portMu.Unlock()

	for attempts := 0; attempts < 2048; attempts++ {
		port := nextPort
		nextPort += 2
		if nextPort < udpPortBase { // wrapped around the 16-bit space
			nextPort = udpPortBase
		}

		rc, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: int(port)})
		if err != nil {
			continue
		}
		cc, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: int(port + 1)})
		if err != nil {
			rc.Close()
			continue
		}
		return rc, cc, port, nil
	}
	return nil, nil, 0, fmt.Errorf("rtsp: no free UDP port pair at or above %d", udpPortBase)
}

// Registrar pins a session's I/O dispatch to the worker reactor it was
// assigned to: AddRead attributes the session's owned UDP media sockets to
// that loop, and RunInLoop is how Serve's watcher goroutine hands each
// parsed request or frame over for execution. Satisfied by
// *reactor.Reactor. Left nil (e.g. in unit tests) the session dispatches
// inline on the reading goroutine.
type Registrar interface {
	RunInLoop(fn func())
	AddRead(key any, closer interface{ Close() error }, readOnce func() (dispatch func(), more bool))
	Remove(key any)
}

// mediaSockets is the server half of a UDP-transport track: the RTP/RTCP
// socket pair SETUP allocated, plus the channel of the track they feed.
type mediaSockets struct {
	track    *Track
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
}

// startMediaReaders begins draining both sockets. The read halves block on
// their watcher goroutines; the dispatch halves (RTP parse + OnRTP, RTCP
// diagnostics) run on the session's worker reactor.
func (s *Session) startMediaReaders(m *mediaSockets) {
	readRTP := func() (func(), bool) { return s.readRTPDatagram(m) }
	readRTCP := func() (func(), bool) { return s.readRTCPDatagram(m) }

	if s.Registrar != nil {
		s.Registrar.AddRead(m.rtpConn, m.rtpConn, readRTP)
		s.Registrar.AddRead(m.rtcpConn, m.rtcpConn, readRTCP)
		return
	}
	drain := func(read func() (func(), bool)) {
		for {
			dispatch, more := read()
			if dispatch != nil {
				dispatch()
			}
			if !more {
				return
			}
		}
	}
	go drain(readRTP)
	go drain(readRTCP)
}

func (s *Session) readRTPDatagram(m *mediaSockets) (dispatch func(), more bool) {
	buf := make([]byte, 2048)
	n, _, err := m.rtpConn.ReadFromUDP(buf)
	if err != nil {
		return nil, false
	}
	s.touch()
	return func() { s.handleRTPDatagram(m.track, buf[:n]) }, true
}

func (s *Session) readRTCPDatagram(m *mediaSockets) (dispatch func(), more bool) {
	buf := make([]byte, 2048)
	n, _, err := m.rtcpConn.ReadFromUDP(buf)
	if err != nil {
		return nil, false
	}
	s.touch()
	return func() { s.handleRTCP(m.track.Channel+1, buf[:n]) }, true
}

// closeMediaSockets releases every UDP socket pair the session owns,
// unregistering each from its worker reactor first.
func (s *Session) closeMediaSockets(media []*mediaSockets) {
	for _, m := range media {
		if s.Registrar != nil {
			s.Registrar.Remove(m.rtpConn)
			s.Registrar.Remove(m.rtcpConn)
			continue
		}
		m.rtpConn.Close()
		m.rtcpConn.Close()
	}
}

// parseClientPorts extracts the client_port=P-P+1 pair from a UDP Transport
// header value.
func parseClientPorts(transport string) (rtpPort uint16, ok bool) {
	idx := strings.Index(transport, "client_port=")
	if idx < 0 {
		return 0, false
	}
	rest := transport[idx+len("client_port="):]
	if end := strings.IndexByte(rest, ';'); end >= 0 {
		rest = rest[:end]
	}
	parts := strings.SplitN(rest, "-", 2)
	n, err := strconv.Atoi(parts[0])
	if err != nil || n <= 0 || n > 65535 {
		return 0, false
	}
	return uint16(n), true
}

// localBindIP picks the IP the media sockets should bind on: the same
// interface the control connection arrived on, or the wildcard when that
// cannot be determined (net.Pipe in tests has no real address).
func (s *Session) localBindIP() net.IP {
	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
