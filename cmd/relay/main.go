// Command relay binds the RTSP ingest listener, starts a worker reactor
// pool, optionally starts the Monitor Server, and wires a relay.CameraRelay
// onto every accepted session.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gtfodev/camrelay/pkg/arq"
	"github.com/gtfodev/camrelay/pkg/config"
	"github.com/gtfodev/camrelay/pkg/logger"
	"github.com/gtfodev/camrelay/pkg/monitor"
	"github.com/gtfodev/camrelay/pkg/reactor"
	"github.com/gtfodev/camrelay/pkg/relay"
	"github.com/gtfodev/camrelay/pkg/rtsp"
)

// acceptRatePerSec and acceptBurst bound the RTSP Acceptor's connection
// admission rate; chosen generously for a handful of cameras, not a fleet.
const (
	acceptRatePerSec = 20.0
	acceptBurst      = 10
)

// arqUpdateInterval drives every registered reliable-UDP flow's KCP engine,
// matching pkg/arq.UpdateInterval (10ms).
const arqUpdateInterval = 10 * time.Millisecond

// deadFlowSweepInterval is how often silent reliable-UDP peers are checked
// against arq.DeadPeerTimeout.
const deadFlowSweepInterval = time.Second

func main() {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	cfgFlags := config.RegisterFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "RTSP push-ingest camera relay\n\n")
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

	cfg, err := cfgFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error in configuration: %v\n", err)
		os.Exit(1)
	}
	log.Logger.Info().Str("log_config", logFlags.String()).Msg("starting camera relay")

	var sock *arq.SharedSocket
	var mon *monitor.Server
	var monitorListener net.Listener

	if cfg.MonitorOn {
		monitorUDPAddr := fmt.Sprintf("%s:0", cfg.MonitorIP)
		sock, err = arq.NewSharedSocket(monitorUDPAddr)
		if err != nil {
			log.Logger.Error().Err(err).Msg("failed to bind monitor reliable-UDP socket")
			os.Exit(1)
		}
		defer sock.Close()

		mon = monitor.NewServer(log, sock)

		monitorAddr := fmt.Sprintf("%s:%d", cfg.MonitorIP, cfg.MonitorPort)
		monitorListener, err = net.Listen("tcp", monitorAddr)
		if err != nil {
			log.Logger.Error().Err(err).Str("addr", monitorAddr).Msg("failed to bind monitor control listener")
			os.Exit(1)
		}
		go func() {
			if err := mon.Serve(monitorListener); err != nil {
				log.Logger.Debug().Err(err).Msg("monitor server stopped accepting")
			}
		}()
		go func() {
			if err := sock.ReadLoop(func(conv uint32, peer net.Addr, segment []byte) {
				log.DebugARQ("datagram for unknown conv", map[string]any{"conv": conv, "peer": peer.String()})
			}); err != nil {
				log.Logger.Debug().Err(err).Msg("monitor reliable-UDP read loop stopped")
			}
		}()

		arqReactor := reactor.New("arq-update")
		go arqReactor.Run()
		defer arqReactor.Stop()
		arqReactor.AddPeriodic(arqUpdateInterval, func() {
			sock.UpdateAll(uint32(time.Now().UnixMilli()))
		})
		arqReactor.AddPeriodic(deadFlowSweepInterval, mon.ReapDeadFlows)

		log.Logger.Info().Str("addr", monitorAddr).Msg("monitor server listening")
	} else {
		mon = monitor.NewServer(log, nil)
		log.Logger.Info().Msg("monitor server disabled (no -monitor-addr given)")
	}

	workers := reactor.NewPool(cfg.Workers, "ingest")
	defer workers.Stop()

	rtspAddr := fmt.Sprintf("%s:%d", cfg.BindIP, cfg.RTSPPort)
	ln, err := net.Listen("tcp", rtspAddr)
	if err != nil {
		log.Logger.Error().Err(err).Str("addr", rtspAddr).Msg("failed to bind RTSP listener")
		os.Exit(1)
	}

	var relaysMu sync.Mutex
	relays := make(map[string]*relay.CameraRelay) // keyed by session id

	acceptor := reactor.NewAcceptor(ln, acceptRatePerSec, acceptBurst, func(conn net.Conn) {
		session := rtsp.NewSession(conn, log)
		worker := workers.Next()
		cr := relay.NewCameraRelay(session, mon, worker, log)
		cr.OnClosed = func(streamName string) {
			relaysMu.Lock()
			delete(relays, session.ID)
			relaysMu.Unlock()
		}

		relaysMu.Lock()
		relays[session.ID] = cr
		relaysMu.Unlock()

		cr.Start()
		log.Logger.Info().Str("remote", conn.RemoteAddr().String()).Str("session_id", session.ID).Msg("accepted RTSP ingest connection")
	}, func(err error) {
		log.Logger.Warn().Err(err).Msg("RTSP accept error")
	})

	go acceptor.Serve()
	log.Logger.Info().Str("addr", rtspAddr).Int("workers", cfg.Workers).Msg("RTSP listener ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	acceptor.Close()
	if monitorListener != nil {
		monitorListener.Close()
	}

	relaysMu.Lock()
	snapshot := make([]*relay.CameraRelay, 0, len(relays))
	for _, cr := range relays {
		snapshot = append(snapshot, cr)
	}
	relaysMu.Unlock()
	for _, cr := range snapshot {
		cr.Stop()
	}

	log.Logger.Info().Msg("graceful shutdown complete")
}
