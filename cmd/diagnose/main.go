// Command diagnose is a standalone probe client for the Monitor Server's
// control-line protocol. It connects to a running Monitor Server, issues
// SETUP to fetch the current camera list, then logs every ADDCAM/DELCAM
// notification pushed for as long as it stays connected. Useful for
// checking that a relay's camera roster is accurate without a full GUI
// monitor client.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gtfodev/camrelay/pkg/logger"
)

func main() {
	fs := flag.NewFlagSet("diagnose", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	addr := fs.String("monitor-addr", "127.0.0.1:9000", "ip:port of a running monitor server's control listener")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Monitor Server control-protocol probe\n\n")
		fmt.Fprintf(os.Stderr, "Connects to a running monitor server, fetches its camera list via\n")
		fmt.Fprintf(os.Stderr, "SETUP, then logs ADDCAM/DELCAM notifications as they arrive.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Logger.Error().Err(err).Str("addr", *addr).Msg("failed to connect to monitor server")
		os.Exit(1)
	}
	defer conn.Close()
	log.Logger.Info().Str("addr", *addr).Msg("connected to monitor server")

	reader := bufio.NewReader(conn)

	if _, err := conn.Write([]byte("SETUP\r\nCseq: 1\r\n\r\n")); err != nil {
		log.Logger.Error().Err(err).Msg("failed to send SETUP")
		os.Exit(1)
	}

	status, body, err := readResponse(reader)
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to read SETUP response")
		os.Exit(1)
	}
	if status != 200 {
		log.Logger.Error().Int("status", status).Msg("SETUP rejected")
		os.Exit(1)
	}

	cameras := strings.Split(strings.TrimSpace(body), "\r\n")
	if len(cameras) == 1 && cameras[0] == "" {
		cameras = nil
	}
	log.Logger.Info().Int("count", len(cameras)).Strs("cameras", cameras).Msg("current camera roster")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			method, stream, err := readNotification(reader)
			if err != nil {
				log.Logger.Info().Err(err).Msg("monitor connection closed")
				return
			}
			log.Logger.Info().Str("method", method).Str("stream", stream).Msg("camera roster change")
		}
	}()

	select {
	case sig := <-sigChan:
		log.Logger.Info().Str("signal", sig.String()).Msg("interrupted, disconnecting")
	case <-done:
	}
}

// readResponse parses one "<status> <text>\r\nCseq: N\r\n[Content-Length: N\r\n]\r\n<body>"
// response from the monitor control channel.
func readResponse(r *bufio.Reader) (status int, body string, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, "", err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, "", fmt.Errorf("diagnose: empty status line")
	}
	status, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", fmt.Errorf("diagnose: bad status line %q: %w", line, err)
	}

	var contentLength int
	for {
		h, err := r.ReadString('\n')
		if err != nil {
			return 0, "", err
		}
		h = strings.TrimSpace(h)
		if h == "" {
			break
		}
		if strings.HasPrefix(h, "Content-Length:") {
			contentLength, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(h, "Content-Length:")))
		}
	}
	if contentLength > 0 {
		buf := make([]byte, contentLength)
		if _, err := readFull(r, buf); err != nil {
			return 0, "", err
		}
		body = string(buf)
	}
	return status, body, nil
}

// readNotification parses one unsolicited "ADDCAM <addr>\r\nCseq: n\r\n
// SessionId: <stream>\r\n\r\n" or "DELCAM ..." push from the monitor server.
func readNotification(r *bufio.Reader) (method, stream string, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	fields := strings.Fields(line)
	if len(fields) > 0 {
		method = fields[0]
	}

	for {
		h, err := r.ReadString('\n')
		if err != nil {
			return "", "", err
		}
		h = strings.TrimSpace(h)
		if h == "" {
			break
		}
		if idx := strings.IndexByte(h, ':'); idx > 0 && strings.TrimSpace(h[:idx]) == "SessionId" {
			stream = strings.TrimSpace(h[idx+1:])
		}
	}
	return method, stream, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
