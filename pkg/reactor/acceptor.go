package reactor

import (
	"net"
	"time"

	"golang.org/x/time/rate"
)

// Acceptor runs on the main reactor and owns the RTSP listening socket. It
// rate-limits accepted connections with golang.org/x/time/rate so an
// accept storm sheds load instead of queueing unboundedly.
type Acceptor struct {
	ln      net.Listener
	limiter *rate.Limiter
	onConn  func(net.Conn)
	onError func(error)
	stop    chan struct{}
}

// NewAcceptor wraps an already-bound listener. burst caps the number of
// connections accepted in a single instant; ratePerSec caps the sustained
// accept rate.
func NewAcceptor(ln net.Listener, ratePerSec float64, burst int, onConn func(net.Conn), onError func(error)) *Acceptor {
	return &Acceptor{
		ln:      ln,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		onConn:  onConn,
		onError: onError,
		stop:    make(chan struct{}),
	}
}

// Serve blocks accepting connections until Close is called. onConn is
// called synchronously on the goroutine running Serve, once per admitted
// connection; it is not handed to any reactor loop.
func (a *Acceptor) Serve() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.stop:
				return
			default:
			}
			if a.onError != nil {
				a.onError(err)
			}
			continue
		}

		if !a.limiter.Allow() {
			// Shed load: close immediately rather than queue unboundedly.
			conn.Close()
			continue
		}

		a.onConn(conn)
	}
}

// Close stops the accept loop and closes the underlying listener.
func (a *Acceptor) Close() error {
	close(a.stop)
	return a.ln.Close()
}

// Reserve blocks up to d for the next accept slot; unused by Serve's
// shed-on-reject policy but kept for callers (e.g. tests) that want to wait
// instead of drop.
func (a *Acceptor) Reserve(d time.Duration) bool {
	r := a.limiter.ReserveN(time.Now(), 1)
	if !r.OK() {
		return false
	}
	delay := r.Delay()
	if delay > d {
		r.Cancel()
		return false
	}
	time.Sleep(delay)
	return true
}
