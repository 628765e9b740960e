// Package monitor implements the Monitor Server: the camera registry, the
// monitor-client registry, the TCP control-line protocol
// (SETUP/MESSAGE/ADDCAM/DELCAM), and the reliable-UDP fan-out of H.264 NAL
// units to subscribed clients. A single Server is constructed at startup
// and passed by handle; there are no package-level singletons.
package monitor

import (
	"fmt"
	"net"
	"sync"

	"github.com/gtfodev/camrelay/pkg/arq"
	"github.com/gtfodev/camrelay/pkg/logger"
)

// Server owns the set of known camera streams, the set of connected
// monitor clients, and the shared reliable-UDP socket those clients' flows
// are multiplexed over.
type Server struct {
	log    *logger.Logger
	socket *arq.SharedSocket

	mu      sync.RWMutex
	cameras map[string]struct{}
	clients map[string]*Client

	ln net.Listener
}

// NewServer constructs a Monitor Server bound to an already-created shared
// reliable-UDP socket (see pkg/arq.NewSharedSocket). SETUP responses list
// camera names only; they do not advertise the socket's local UDP port.
func NewServer(log *logger.Logger, socket *arq.SharedSocket) *Server {
	return &Server{
		log:     log,
		socket:  socket,
		cameras: make(map[string]struct{}),
		clients: make(map[string]*Client),
	}
}

// Serve accepts monitor control connections until the listener closes.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		c := newClient(conn, s)
		s.mu.Lock()
		s.clients[c.id] = c
		s.mu.Unlock()
		go c.serve()
	}
}

// Close stops accepting new monitor connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// AddCamera registers a stream that has started recording and notifies
// every connected monitor client with an ADDCAM line.
func (s *Server) AddCamera(streamName string) {
	s.mu.Lock()
	_, existed := s.cameras[streamName]
	s.cameras[streamName] = struct{}{}
	clients := s.clientSnapshot()
	s.mu.Unlock()

	if existed {
		return
	}
	s.log.DebugMonitor("camera added", map[string]any{"stream": streamName})
	for _, c := range clients {
		c.notify("ADDCAM", streamName)
	}
}

// RemoveCamera unregisters a stream (e.g. on ingest TEARDOWN) and notifies
// every connected client with a DELCAM line. Any reliable-UDP flows
// clients had open for this stream are torn down too.
func (s *Server) RemoveCamera(streamName string) {
	s.mu.Lock()
	delete(s.cameras, streamName)
	clients := s.clientSnapshot()
	s.mu.Unlock()

	s.log.DebugMonitor("camera removed", map[string]any{"stream": streamName})
	for _, c := range clients {
		c.dropStream(streamName)
		c.notify("DELCAM", streamName)
	}
}

// Cameras returns a snapshot of currently known stream names.
func (s *Server) Cameras() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.cameras))
	for name := range s.cameras {
		out = append(out, name)
	}
	return out
}

func (s *Server) clientSnapshot() []*Client {
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// OnNAL fans a completed NAL unit for streamName out to every monitor
// client subscribed to it, over that client's dedicated reliable-UDP flow
// for the stream.
func (s *Server) OnNAL(streamName string, nalu []byte, keyframe bool) {
	s.mu.RLock()
	clients := s.clientSnapshot()
	s.mu.RUnlock()

	for _, c := range clients {
		c.deliver(streamName, nalu)
	}
}

func (s *Server) removeClient(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// registerFlow registers a reliable-UDP flow for (client, stream) against
// the shared socket, using the conv id the client proposed over the
// control channel.
func (s *Server) registerFlow(conv uint32, peer net.Addr) (*arq.Flow, error) {
	f, err := s.socket.Register(conv, peer)
	if err != nil {
		return nil, fmt.Errorf("monitor: registering conv %d: %w", conv, err)
	}
	return f, nil
}

// unbindFlow closes a flow and removes its conv from the shared socket's
// demux table so stray datagrams stop matching it.
func (s *Server) unbindFlow(f *arq.Flow) {
	if s.socket != nil {
		s.socket.Unregister(f.Conv)
		return
	}
	f.Close()
}

// ReapDeadFlows tears down every flow whose peer has been silent beyond
// arq.DeadPeerTimeout. The orchestrator schedules this periodically on the
// same reactor that drives the flows' update ticks.
func (s *Server) ReapDeadFlows() {
	s.mu.RLock()
	clients := s.clientSnapshot()
	s.mu.RUnlock()

	for _, c := range clients {
		for _, stream := range c.reapSilentFlows(arq.DeadPeerTimeout) {
			s.log.DebugMonitor("reaped dead reliable-UDP flow", map[string]any{"stream": stream})
		}
	}
}
