package monitor

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gtfodev/camrelay/pkg/arq"
	"github.com/gtfodev/camrelay/pkg/logger"
)

func newTestServer(t *testing.T) (*Server, net.Listener) {
	t.Helper()
	sock, err := arq.NewSharedSocket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewSharedSocket: %v", err)
	}
	t.Cleanup(func() { sock.Close() })

	s := NewServer(logger.Default(), sock)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return s, ln
}

func dialControl(t *testing.T, ln net.Listener) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, bufio.NewReader(conn)
}

func readResponse(t *testing.T, r *bufio.Reader) (status int, body string) {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	fmt.Sscanf(line, "%d", &status)

	var contentLength int
	for {
		h, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		h = strings.TrimSpace(h)
		if h == "" {
			break
		}
		if strings.HasPrefix(h, "Content-Length:") {
			fmt.Sscanf(strings.TrimPrefix(h, "Content-Length:"), "%d", &contentLength)
		}
	}
	if contentLength > 0 {
		buf := make([]byte, contentLength)
		if _, err := r.Read(buf); err != nil {
			t.Fatalf("read body: %v", err)
		}
		body = string(buf)
	}
	return status, body
}

func TestSetupListsCameras(t *testing.T) {
	s, ln := newTestServer(t)
	s.AddCamera("front-door")
	s.AddCamera("driveway")

	conn, r := dialControl(t, ln)
	defer conn.Close()

	conn.Write([]byte("SETUP\r\nCseq: 1\r\n\r\n"))
	status, body := readResponse(t, r)
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if !strings.Contains(body, "front-door") || !strings.Contains(body, "driveway") {
		t.Fatalf("expected both cameras listed, got %q", body)
	}
}

func TestAddCameraNotifiesConnectedClients(t *testing.T) {
	s, ln := newTestServer(t)
	conn, r := dialControl(t, ln)
	defer conn.Close()

	conn.Write([]byte("SETUP\r\nCseq: 1\r\n\r\n"))
	readResponse(t, r)

	s.AddCamera("new-cam")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("expected ADDCAM notification, got error: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "ADDCAM ") {
		t.Fatalf("expected ADDCAM notification line, got %q", line)
	}

	headers := map[string]string{}
	for {
		hline, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read notification headers: %v", err)
		}
		hline = strings.TrimSpace(hline)
		if hline == "" {
			break
		}
		idx := strings.IndexByte(hline, ':')
		if idx < 0 {
			continue
		}
		headers[strings.TrimSpace(hline[:idx])] = strings.TrimSpace(hline[idx+1:])
	}
	if headers["SessionId"] != "new-cam" {
		t.Fatalf("expected SessionId header naming the camera, got %q", headers["SessionId"])
	}
}

func TestRemoveCameraNotifiesAndDeregisters(t *testing.T) {
	s, ln := newTestServer(t)
	s.AddCamera("backyard")

	conn, r := dialControl(t, ln)
	defer conn.Close()

	conn.Write([]byte("SETUP\r\nCseq: 1\r\n\r\n"))
	readResponse(t, r)

	s.RemoveCamera("backyard")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("expected DELCAM notification, got error: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "DELCAM ") {
		t.Fatalf("expected DELCAM notification line, got %q", line)
	}

	cams := s.Cameras()
	for _, c := range cams {
		if c == "backyard" {
			t.Fatal("backyard should have been removed from the camera registry")
		}
	}
}
