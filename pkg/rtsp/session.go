// Package rtsp implements the server side of a push-ingest RTSP session:
// a camera ANNOUNCEs an SDP description, SETUPs one or more tracks over
// UDP or TCP-interleaved transport, then RECORDs its media at the server.
package rtsp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"

	"github.com/gtfodev/camrelay/pkg/logger"
)

// State is the ingest session's lifecycle state.
type State int

const (
	StateInit State = iota
	StateReady
	StateStreaming
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateReady:
		return "Ready"
	case StateStreaming:
		return "Streaming"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// IdleTimeout is the inactivity window after which a session is reaped;
// the SETUP response advertises it to the camera.
const IdleTimeout = 60 * time.Second

// Track describes one SETUP'd media track within a session.
type Track struct {
	Channel     byte // interleaved RTP channel; Channel+1 is its RTCP channel
	MediaType   string
	Control     string
	PayloadType uint8
	Interleaved bool
	ClientRTP   uint16 // UDP transport only
	ClientRTCP  uint16
	ServerRTP   uint16 // server-allocated even port; ServerRTP+1 carries RTCP
}

// Session is one camera's RTSP ingest connection.
type Session struct {
	ID         string
	conn       net.Conn
	reader     *bufio.Reader
	log        *logger.Logger
	streamName string

	// Registrar, when set, attributes the session's owned UDP media sockets
	// to the worker reactor the session is pinned to. Set by the relay
	// before Serve starts; nil means plain goroutine readers.
	Registrar Registrar

	mu           sync.Mutex
	state        State
	tracks       map[byte]*Track
	media        []*mediaSockets
	lastActivity time.Time

	// OnRTP is invoked for every RTP packet received on an even interleaved
	// channel or on a track's UDP RTP socket once the session has reached
	// Streaming.
	OnRTP func(track *Track, pkt *rtp.Packet)

	// OnAnnounce is invoked once ANNOUNCE has parsed the SDP, with the
	// camera-chosen stream name.
	OnAnnounce func(streamName string)

	// OnRecord is invoked when RECORD moves the session to Streaming; this
	// is the point at which the camera becomes visible to monitor clients.
	OnRecord func(streamName string)

	// OnTeardown is invoked once, when the session transitions to Closing
	// for any reason (explicit TEARDOWN, idle reap, or connection error).
	OnTeardown func(streamName string)
}

// NewSession wraps an accepted connection in a fresh ingest session.
func NewSession(conn net.Conn, log *logger.Logger) *Session {
	return &Session{
		ID:           uuid.NewString(),
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 65536),
		log:          log,
		state:        StateInit,
		tracks:       make(map[byte]*Track),
		lastActivity: time.Now(),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamName returns the camera-chosen stream identifier extracted from the
// ANNOUNCE request URL, empty until ANNOUNCE completes.
func (s *Session) StreamName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamName
}

// Idle reports whether the session has been quiet for longer than
// IdleTimeout, for the reactor's periodic reaper.
func (s *Session) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) > IdleTimeout
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Close forcibly closes the underlying connection, unblocking Serve's read
// loop so it runs transitionClosing via its deferred call. Used by the idle
// reaper and by orderly shutdown.
func (s *Session) Close() error {
	return s.conn.Close()
}

// inLoop runs fn on the session's worker reactor and waits for it to
// complete, so every callback and state transition executes on the loop
// goroutine the session is pinned to. With no Registrar, fn runs inline.
func (s *Session) inLoop(fn func()) {
	if s.Registrar == nil {
		fn()
		return
	}
	done := make(chan struct{})
	s.Registrar.RunInLoop(func() {
		defer close(done)
		fn()
	})
	<-done
}

// Serve runs the session's request/response + interleaved-RTP read loop
// until the connection closes or a read fails; after TEARDOWN it keeps
// answering requests on the same connection. The goroutine it runs
// on is the connection's watcher: it performs only blocking reads, handing
// each parsed request or frame to the session's worker reactor via inLoop.
// Serve itself blocks, so callers typically invoke it via `go`.
func (s *Session) Serve() error {
	defer func() { s.inLoop(s.transitionClosing) }()

	for {
		peek, err := s.reader.Peek(1)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("rtsp: peek: %w", err)
		}

		if peek[0] == '$' {
			if err := s.readInterleavedFrame(); err != nil {
				return err
			}
			continue
		}

		if err := s.handleOneRequest(); err != nil {
			return err
		}
	}
}

// readInterleavedFrame consumes one '$'-framed interleaved RTP/RTCP packet:
// byte 0 '$', byte 1 channel, bytes 2-3 big-endian length, then the payload.
func (s *Session) readInterleavedFrame() error {
	header, err := s.reader.Peek(4)
	if err != nil {
		return fmt.Errorf("rtsp: peek interleaved header: %w", err)
	}
	channel := header[1]
	size := binary.BigEndian.Uint16(header[2:4])

	if _, err := s.reader.Discard(4); err != nil {
		return fmt.Errorf("rtsp: discard interleaved header: %w", err)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(s.reader, payload); err != nil {
		return fmt.Errorf("rtsp: read interleaved payload: %w", err)
	}
	s.touch()

	s.inLoop(func() {
		if channel%2 == 1 {
			s.handleRTCP(channel, payload)
			return
		}
		s.mu.Lock()
		track := s.tracks[channel]
		s.mu.Unlock()
		if track == nil {
			return
		}
		s.handleRTPDatagram(track, payload)
	})
	return nil
}

// handleRTPDatagram parses one RTP packet (interleaved frame or UDP
// datagram) and hands it to OnRTP once the session is Streaming. Always
// invoked on the session's worker reactor.
func (s *Session) handleRTPDatagram(track *Track, datagram []byte) {
	s.mu.Lock()
	streaming := s.state == StateStreaming
	s.mu.Unlock()
	if !streaming {
		return
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(datagram); err != nil {
		s.log.DebugRTP("dropping malformed RTP packet", map[string]any{"channel": track.Channel, "error": err.Error()})
		return
	}
	if s.OnRTP != nil {
		s.OnRTP(track, pkt)
	}
}

// handleRTCP decodes an RTCP packet arriving on an odd interleaved channel
// or a track's UDP RTCP socket purely for drift diagnostics; nothing
// downstream consumes it.
func (s *Session) handleRTCP(channel byte, payload []byte) {
	packets, err := rtcp.Unmarshal(payload)
	if err != nil {
		return
	}
	for _, p := range packets {
		if sr, ok := p.(*rtcp.SenderReport); ok {
			s.log.DebugRTSP("RTCP sender report", map[string]any{
				"channel":      channel,
				"ntp_time":     sr.NTPTime,
				"rtp_time":     sr.RTPTime,
				"packet_count": sr.PacketCount,
			})
		}
	}
}

func (s *Session) handleOneRequest() error {
	req, err := s.readRequest()
	if err != nil {
		return fmt.Errorf("rtsp: read request: %w", err)
	}
	s.touch()

	var writeErr error
	s.inLoop(func() {
		resp := s.dispatch(req)
		writeErr = s.writeResponse(resp, req.CSeq)
	})
	return writeErr
}

// dispatch applies the session state table: ANNOUNCE stores the SDP while
// the session stays Init, SETUP moves Init->Ready, RECORD moves
// Ready->Streaming, TEARDOWN moves any other state to Closing (a TEARDOWN
// on a session already Closing returns 454 Session Not Found). Other
// requests that don't fit the current state return 455 Method Not Valid In
// This State.
func (s *Session) dispatch(req *request) *response {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch req.Method {
	case "ANNOUNCE":
		if state != StateInit {
			return errorResponse(455)
		}
		return s.handleAnnounce(req)
	case "SETUP":
		if state != StateInit && state != StateReady {
			return errorResponse(455)
		}
		return s.handleSetup(req)
	case "RECORD":
		if state != StateReady {
			return errorResponse(455)
		}
		return s.handleRecord(req)
	case "TEARDOWN":
		if state == StateClosing {
			return errorResponse(454)
		}
		s.transitionClosing()
		return okResponse(nil)
	case "OPTIONS":
		return &response{status: 200, headers: map[string]string{
			"Public": "ANNOUNCE, SETUP, RECORD, TEARDOWN, OPTIONS",
		}}
	default:
		return errorResponse(501)
	}
}

func (s *Session) handleAnnounce(req *request) *response {
	u, err := url.Parse(req.URL)
	if err != nil {
		return errorResponse(400)
	}
	streamName := strings.Trim(path.Base(strings.Trim(u.Path, "/")), "/")
	if streamName == "" || streamName == "." {
		streamName = s.ID
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(req.Body); err != nil {
		s.log.DebugRTSP("failed to parse ANNOUNCE SDP", map[string]any{"error": err.Error()})
		return errorResponse(400)
	}

	tracks := make(map[byte]*Track)
	var channel byte
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "video" {
			continue
		}
		var pt uint8
		if len(media.MediaName.Formats) > 0 {
			if v, err := strconv.Atoi(media.MediaName.Formats[0]); err == nil {
				pt = uint8(v)
			}
		}
		control := ""
		for _, attr := range media.Attributes {
			if attr.Key == "control" {
				control = attr.Value
			}
		}
		tracks[channel] = &Track{
			Channel:     channel,
			MediaType:   media.MediaName.Media,
			Control:     control,
			PayloadType: pt,
		}
		channel += 2
	}
	if len(tracks) == 0 {
		return errorResponse(400)
	}

	s.mu.Lock()
	s.streamName = streamName
	s.tracks = tracks
	s.mu.Unlock()

	s.log.DebugRTSP("ANNOUNCE accepted", map[string]any{"stream": streamName, "tracks": len(tracks)})
	if s.OnAnnounce != nil {
		s.OnAnnounce(streamName)
	}
	return okResponse(nil)
}

func (s *Session) handleSetup(req *request) *response {
	transport := req.Headers["Transport"]
	if channel, ok := parseInterleavedChannel(transport); ok {
		return s.setupInterleaved(transport, channel)
	}
	return s.setupUDP(transport)
}

func (s *Session) setupInterleaved(transport string, channel byte) *response {
	s.mu.Lock()
	track, exists := s.tracks[channel]
	if exists {
		track.Interleaved = true
		s.state = StateReady
	}
	s.mu.Unlock()
	if !exists {
		return errorResponse(454)
	}

	return okResponse(map[string]string{
		"Transport": transport,
		"Session":   s.sessionHeader(),
	})
}

// setupUDP allocates the server-side RTP/RTCP socket pair for one track and
// starts draining it; the response echoes the client's Transport block with
// server_port filled in.
func (s *Session) setupUDP(transport string) *response {
	clientRTP, ok := parseClientPorts(transport)
	if !ok {
		return errorResponse(400)
	}

	s.mu.Lock()
	var track *Track
	for ch := byte(0); ch < byte(2*len(s.tracks)); ch += 2 {
		if t, exists := s.tracks[ch]; exists && !t.Interleaved && t.ServerRTP == 0 {
			track = t
			break
		}
	}
	s.mu.Unlock()
	if track == nil {
		return errorResponse(454)
	}

	rtpConn, rtcpConn, serverRTP, err := allocatePortPair(s.localBindIP())
	if err != nil {
		s.log.DebugRTSP("media port allocation failed", map[string]any{"error": err.Error()})
		return errorResponse(500)
	}

	m := &mediaSockets{track: track, rtpConn: rtpConn, rtcpConn: rtcpConn}
	s.mu.Lock()
	track.ClientRTP = clientRTP
	track.ClientRTCP = clientRTP + 1
	track.ServerRTP = serverRTP
	s.media = append(s.media, m)
	s.state = StateReady
	s.mu.Unlock()

	s.startMediaReaders(m)

	return okResponse(map[string]string{
		"Transport": fmt.Sprintf("RTP/AVP/UDP;unicast;client_port=%d-%d;server_port=%d-%d",
			clientRTP, clientRTP+1, serverRTP, serverRTP+1),
		"Session": s.sessionHeader(),
	})
}

func (s *Session) handleRecord(req *request) *response {
	sessionID := req.Headers["Session"]
	if idx := strings.IndexByte(sessionID, ';'); idx >= 0 {
		sessionID = sessionID[:idx]
	}
	if strings.TrimSpace(sessionID) != s.ID {
		return errorResponse(454)
	}

	s.mu.Lock()
	s.state = StateStreaming
	name := s.streamName
	s.mu.Unlock()

	s.log.DebugRTSP("RECORD accepted, now streaming", map[string]any{"stream": name})
	if s.OnRecord != nil {
		s.OnRecord(name)
	}
	return okResponse(map[string]string{"Session": s.sessionHeader()})
}

func (s *Session) sessionHeader() string {
	return s.ID + fmt.Sprintf(";timeout=%d", int(IdleTimeout.Seconds()))
}

func (s *Session) transitionClosing() {
	s.mu.Lock()
	already := s.state == StateClosing
	s.state = StateClosing
	name := s.streamName
	media := s.media
	s.media = nil
	s.mu.Unlock()

	if already {
		return
	}
	s.closeMediaSockets(media)
	if s.OnTeardown != nil {
		s.OnTeardown(name)
	}
}

func parseInterleavedChannel(transport string) (byte, bool) {
	idx := strings.Index(transport, "interleaved=")
	if idx < 0 {
		return 0, false
	}
	rest := transport[idx+len("interleaved="):]
	if end := strings.IndexByte(rest, ';'); end >= 0 {
		rest = rest[:end]
	}
	parts := strings.SplitN(rest, "-", 2)
	n, err := strconv.Atoi(parts[0])
	if err != nil || n < 0 || n > 255 {
		return 0, false
	}
	return byte(n), true
}
