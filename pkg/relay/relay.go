// Package relay ties one accepted RTSP ingest session to its H.264
// depacketizer and the Monitor Server: a CameraRelay drives a push-ingest
// rtsp.Session into a rtpingest.Depacketizer and fans completed NAL units
// out through monitor.Server.OnNAL, keeping per-camera packet and frame
// counters along the way.
package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/gtfodev/camrelay/pkg/logger"
	"github.com/gtfodev/camrelay/pkg/monitor"
	"github.com/gtfodev/camrelay/pkg/reactor"
	"github.com/gtfodev/camrelay/pkg/rtpingest"
	"github.com/gtfodev/camrelay/pkg/rtsp"
)

// IdleCheckInterval is how often a CameraRelay asks its session whether it
// has crossed rtsp.IdleTimeout.
const IdleCheckInterval = 5 * time.Second

// StatsInterval is how often relay statistics are logged.
const StatsInterval = 30 * time.Second

// CameraRelay manages the complete ingest pipeline for a single camera:
// RTSP push session -> H.264 depacketizer -> Monitor Server fan-out.
type CameraRelay struct {
	session *rtsp.Session
	monitor *monitor.Server
	reactor *reactor.Reactor
	log     *logger.Logger

	depacketizer *rtpingest.Depacketizer

	videoPacketCount atomic.Uint64
	videoFrameCount  atomic.Uint64
	startTime        time.Time

	mu         sync.Mutex
	idleTimer  reactor.TimerID
	statsTimer reactor.TimerID
	closed     bool

	// OnClosed is invoked once the underlying session has torn down, after
	// the camera has been deregistered from the Monitor Server.
	OnClosed func(streamName string)
}

// NewCameraRelay binds a freshly accepted session to the given Monitor
// Server. r is the worker reactor the session is pinned to: Start installs
// it as the session's Registrar, and the relay's periodic idle-check and
// stats timers run on it as well.
func NewCameraRelay(session *rtsp.Session, mon *monitor.Server, r *reactor.Reactor, log *logger.Logger) *CameraRelay {
	return &CameraRelay{
		session:      session,
		monitor:      mon,
		reactor:      r,
		log:          log.With(map[string]any{"component": "relay", "session_id": session.ID}),
		depacketizer: rtpingest.New(),
		startTime:    time.Now(),
	}
}

// Start wires the session's callbacks, begins its request/read loop, and
// arms the idle-reap and stats timers. It returns immediately; the session
// runs on its own goroutine.
func (r *CameraRelay) Start() {
	r.depacketizer.OnWarning = func(msg string) {
		r.log.DebugNAL("depacketizer warning", map[string]any{"stream": r.session.StreamName(), "warning": msg})
	}
	r.depacketizer.OnNAL = func(nalu []byte, timestamp uint32, keyframe bool) {
		r.videoFrameCount.Add(1)
		r.monitor.OnNAL(r.session.StreamName(), nalu, keyframe)
	}

	r.session.OnAnnounce = func(streamName string) {
		r.log.Logger.Info().Str("stream", streamName).Msg("camera announced")
	}
	r.session.OnRecord = func(streamName string) {
		r.log.Logger.Info().Str("stream", streamName).Msg("camera recording, publishing to monitor server")
		r.monitor.AddCamera(streamName)
	}
	r.session.OnRTP = r.onRTP
	r.session.OnTeardown = r.onTeardown
	r.session.Registrar = r.reactor

	// Serve's goroutine is the connection's watcher: it only performs
	// blocking reads. Request handling, RTP dispatch, and teardown all run
	// on the worker reactor through the session's Registrar, serialized
	// with every other session pinned to the same worker.
	go func() {
		if err := r.session.Serve(); err != nil {
			r.log.DebugRTSP("session serve exited with error", map[string]any{"error": err.Error()})
		}
	}()

	r.idleTimer = r.reactor.AddPeriodic(IdleCheckInterval, r.checkIdle)
	r.statsTimer = r.reactor.AddPeriodic(StatsInterval, r.logStats)
}

func (r *CameraRelay) onRTP(track *rtsp.Track, pkt *rtp.Packet) {
	if track.MediaType != "video" {
		return
	}
	r.videoPacketCount.Add(1)
	if err := r.depacketizer.ProcessPacket(pkt); err != nil {
		r.log.DebugRTP("failed to process RTP packet", map[string]any{"error": err.Error()})
	}
}

func (r *CameraRelay) checkIdle() {
	if r.session.Idle() {
		r.log.Logger.Warn().Str("stream", r.session.StreamName()).Msg("session idle, reaping")
		r.session.Close()
	}
}

func (r *CameraRelay) logStats() {
	r.log.Logger.Info().
		Str("stream", r.session.StreamName()).
		Dur("uptime", time.Since(r.startTime).Round(time.Second)).
		Uint64("video_packets", r.videoPacketCount.Load()).
		Uint64("video_frames", r.videoFrameCount.Load()).
		Str("state", r.session.State().String()).
		Msg("relay statistics")
}

func (r *CameraRelay) onTeardown(streamName string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.reactor.Cancel(r.idleTimer)
	r.reactor.Cancel(r.statsTimer)
	r.depacketizer.Flush()

	if streamName != "" {
		r.monitor.RemoveCamera(streamName)
	}

	r.log.Logger.Info().
		Str("stream", streamName).
		Dur("duration", time.Since(r.startTime)).
		Uint64("video_packets", r.videoPacketCount.Load()).
		Uint64("video_frames", r.videoFrameCount.Load()).
		Msg("camera relay stopped")

	if r.OnClosed != nil {
		r.OnClosed(streamName)
	}
}

// Stop forcibly closes the underlying session, triggering the same teardown
// path a camera-initiated TEARDOWN or idle reap would.
func (r *CameraRelay) Stop() error {
	if err := r.session.Close(); err != nil {
		return fmt.Errorf("relay: closing session: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the relay's current counters.
func (r *CameraRelay) Stats() Stats {
	return Stats{
		StreamName:   r.session.StreamName(),
		State:        r.session.State().String(),
		Uptime:       time.Since(r.startTime),
		VideoPackets: r.videoPacketCount.Load(),
		VideoFrames:  r.videoFrameCount.Load(),
	}
}

// Stats is a point-in-time snapshot of a single relay's counters.
type Stats struct {
	StreamName   string
	State        string
	Uptime       time.Duration
	VideoPackets uint64
	VideoFrames  uint64
}
