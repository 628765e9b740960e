package relay

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gtfodev/camrelay/pkg/arq"
	"github.com/gtfodev/camrelay/pkg/logger"
	"github.com/gtfodev/camrelay/pkg/monitor"
	"github.com/gtfodev/camrelay/pkg/reactor"
	"github.com/gtfodev/camrelay/pkg/rtsp"
)

const relayTestSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=control:trackID=0\r\n"

func newTestRelay(t *testing.T) (*CameraRelay, net.Conn, *monitor.Server) {
	t.Helper()
	server, client := net.Pipe()
	session := rtsp.NewSession(server, logger.Default())

	sock, err := arq.NewSharedSocket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewSharedSocket: %v", err)
	}
	t.Cleanup(func() { sock.Close() })
	mon := monitor.NewServer(logger.Default(), sock)

	r := reactor.New("relay-test")
	go r.Run()
	t.Cleanup(r.Stop)

	cr := NewCameraRelay(session, mon, r, logger.Default())
	cr.Start()

	return cr, client, mon
}

// roundTrip writes one RTSP request and reads the full response, returning
// its status code and headers.
func roundTrip(t *testing.T, client net.Conn, r *bufio.Reader, method, url string, cseq int, extra map[string]string, body string) (int, map[string]string) {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, url)
	fmt.Fprintf(&b, "CSeq: %d\r\n", cseq)
	for k, v := range extra {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if body != "" {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	b.WriteString(body)

	client.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Write([]byte(b.String())); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}

	statusLine, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read %s status: %v", method, err)
	}
	var status int
	fmt.Sscanf(strings.SplitN(strings.TrimSpace(statusLine), " ", 3)[1], "%d", &status)

	headers := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read %s header: %v", method, err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return status, headers
		}
		if idx := strings.IndexByte(line, ':'); idx > 0 {
			headers[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
		}
	}
}

// startRecording drives a full ANNOUNCE/SETUP/RECORD handshake for stream.
func startRecording(t *testing.T, client net.Conn, r *bufio.Reader, stream string) {
	t.Helper()
	if status, _ := roundTrip(t, client, r, "ANNOUNCE", "rtsp://host/"+stream, 1, nil, relayTestSDP); status != 200 {
		t.Fatalf("ANNOUNCE status = %d, want 200", status)
	}
	status, headers := roundTrip(t, client, r, "SETUP", "rtsp://host/"+stream+"/trackID=0", 2,
		map[string]string{"Transport": "RTP/AVP/TCP;unicast;interleaved=0-1"}, "")
	if status != 200 {
		t.Fatalf("SETUP status = %d, want 200", status)
	}
	sid := headers["Session"]
	if idx := strings.IndexByte(sid, ';'); idx >= 0 {
		sid = sid[:idx]
	}
	if status, _ = roundTrip(t, client, r, "RECORD", "rtsp://host/"+stream, 3,
		map[string]string{"Session": sid}, ""); status != 200 {
		t.Fatalf("RECORD status = %d, want 200", status)
	}
}

func hasCamera(mon *monitor.Server, name string) bool {
	for _, c := range mon.Cameras() {
		if c == name {
			return true
		}
	}
	return false
}

func TestCameraRelayRegistersCameraOnRecord(t *testing.T) {
	_, client, mon := newTestRelay(t)
	defer client.Close()
	r := bufio.NewReader(client)

	if status, _ := roundTrip(t, client, r, "ANNOUNCE", "rtsp://host/camera1", 1, nil, relayTestSDP); status != 200 {
		t.Fatalf("ANNOUNCE status = %d, want 200", status)
	}
	if hasCamera(mon, "camera1") {
		t.Fatal("camera1 must not be published before RECORD")
	}

	status, headers := roundTrip(t, client, r, "SETUP", "rtsp://host/camera1/trackID=0", 2,
		map[string]string{"Transport": "RTP/AVP/TCP;unicast;interleaved=0-1"}, "")
	if status != 200 {
		t.Fatalf("SETUP status = %d, want 200", status)
	}
	sid := headers["Session"]
	if idx := strings.IndexByte(sid, ';'); idx >= 0 {
		sid = sid[:idx]
	}
	if status, _ = roundTrip(t, client, r, "RECORD", "rtsp://host/camera1", 3,
		map[string]string{"Session": sid}, ""); status != 200 {
		t.Fatalf("RECORD status = %d, want 200", status)
	}

	if !hasCamera(mon, "camera1") {
		t.Fatal("camera1 was never registered with the monitor server")
	}
}

func TestCameraRelayDeregistersOnTeardown(t *testing.T) {
	cr, client, mon := newTestRelay(t)
	defer client.Close()
	r := bufio.NewReader(client)

	closed := make(chan string, 1)
	cr.OnClosed = func(stream string) { closed <- stream }

	startRecording(t, client, r, "camera2")
	if !hasCamera(mon, "camera2") {
		t.Fatal("camera2 was never registered")
	}

	if status, _ := roundTrip(t, client, r, "TEARDOWN", "rtsp://host/camera2", 4, nil, ""); status != 200 {
		t.Fatalf("TEARDOWN status = %d, want 200", status)
	}

	select {
	case stream := <-closed:
		if stream != "camera2" {
			t.Fatalf("OnClosed stream = %q, want camera2", stream)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed was never invoked")
	}

	if hasCamera(mon, "camera2") {
		t.Fatal("camera2 should have been deregistered")
	}
}
