package monitor

import (
	"bufio"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gtfodev/camrelay/pkg/address"
	"github.com/gtfodev/camrelay/pkg/arq"
)

// Client is one connected monitor client. It owns one reliable-UDP flow
// per camera it subscribed to; all flows die with the client.
type Client struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	server *Server

	writeMu sync.Mutex
	cseq    int // monotonic counter for server-initiated ADDCAM/DELCAM pushes

	mu    sync.Mutex
	flows map[string]*arq.Flow // stream name -> this client's dedicated flow
}

func newClient(conn net.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 8192),
		server: s,
		flows:  make(map[string]*arq.Flow),
	}
}

// serve runs the client's control-line request loop until the connection
// closes.
func (c *Client) serve() {
	defer c.close()
	for {
		req, err := readControlRequest(c.reader)
		if err != nil {
			return
		}

		switch req.Method {
		case "SETUP":
			c.handleSetup(req)
		case "MESSAGE":
			c.handleMessage(req)
		default:
			c.writeMu.Lock()
			writeControlResponse(c.conn, 501, req.Cseq, "")
			c.writeMu.Unlock()
		}
	}
}

// handleSetup replies with the current camera list, one stream name per
// line.
func (c *Client) handleSetup(req *controlRequest) {
	names := c.server.Cameras()
	sort.Strings(names)
	body := strings.Join(names, "\r\n")
	if body != "" {
		body += "\r\n"
	}
	c.writeMu.Lock()
	writeControlResponse(c.conn, 200, req.Cseq, body)
	c.writeMu.Unlock()
}

// handleMessage parses the "<stream>: <rtp_port> <rtcp_port> <conv_id>"
// body lines and registers one reliable-UDP flow per requested stream,
// targeting the client's own address (the TCP control connection's remote
// IP) on the client-advertised RTP port.
func (c *Client) handleMessage(req *controlRequest) {
	ports, err := parseStreamPorts(req.Body)
	if err != nil {
		c.writeMu.Lock()
		writeControlResponse(c.conn, 400, req.Cseq, "")
		c.writeMu.Unlock()
		return
	}

	host, _, _ := net.SplitHostPort(c.conn.RemoteAddr().String())

	for _, p := range ports {
		peer, err := address.Endpoint{IP: host, Port: p.RTPPort}.ResolveUDP()
		if err != nil {
			c.server.log.DebugMonitor("unresolvable flow peer", map[string]any{"stream": p.Stream, "error": err.Error()})
			continue
		}
		flow, err := c.server.registerFlow(p.Conv, peer)
		if err != nil {
			c.server.log.DebugMonitor("flow registration failed", map[string]any{"stream": p.Stream, "error": err.Error()})
			continue
		}
		c.mu.Lock()
		c.flows[p.Stream] = flow
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	writeControlResponse(c.conn, 200, req.Cseq, "")
	c.writeMu.Unlock()
}

// deliver sends nalu to this client's flow for streamName, if subscribed.
func (c *Client) deliver(streamName string, nalu []byte) {
	c.mu.Lock()
	flow := c.flows[streamName]
	c.mu.Unlock()
	if flow == nil {
		return
	}
	if err := flow.Send(nalu); err != nil {
		c.server.log.DebugMonitor("flow send failed", map[string]any{"stream": streamName, "error": err.Error()})
	}
}

// dropStream tears down this client's flow for a removed camera and tells
// it so over the control channel.
func (c *Client) dropStream(streamName string) {
	c.mu.Lock()
	flow, ok := c.flows[streamName]
	delete(c.flows, streamName)
	c.mu.Unlock()
	if ok {
		c.server.unbindFlow(flow)
	}
}

// reapSilentFlows tears down every flow whose peer has gone quiet for at
// least d, returning the affected stream names.
func (c *Client) reapSilentFlows(d time.Duration) []string {
	c.mu.Lock()
	var dead []string
	for stream, flow := range c.flows {
		if flow.SilentFor(d) {
			dead = append(dead, stream)
		}
	}
	var flows []*arq.Flow
	for _, stream := range dead {
		flows = append(flows, c.flows[stream])
		delete(c.flows, stream)
	}
	c.mu.Unlock()

	for _, f := range flows {
		c.server.unbindFlow(f)
	}
	return dead
}

// notify sends an unsolicited "<METHOD> <server addr>\r\nCseq: n\r\n
// SessionId: <name>\r\n\r\n" push to this client.
func (c *Client) notify(method, streamName string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.cseq++
	selfAddr := ""
	if local := c.conn.LocalAddr(); local != nil {
		selfAddr = local.String()
	}
	if err := writeControlNotification(c.conn, selfAddr, method, c.cseq, streamName); err != nil {
		c.server.log.DebugMonitor("notification write failed", map[string]any{"method": method, "error": err.Error()})
	}
}

func (c *Client) close() {
	c.mu.Lock()
	flows := make([]*arq.Flow, 0, len(c.flows))
	for name, flow := range c.flows {
		flows = append(flows, flow)
		delete(c.flows, name)
	}
	c.mu.Unlock()
	for _, flow := range flows {
		c.server.unbindFlow(flow)
	}
	c.conn.Close()
	c.server.removeClient(c.id)
}
