// Package reactor implements a single-threaded-per-loop event reactor.
// One reactor plays the "main reactor" role (owns the listening socket
// only); a Pool of worker reactors each own a share of accepted ingest
// sessions and their timers.
//
// "Registering a read interest on an fd" is modeled as spawning a
// dedicated goroutine that blocks in the underlying Read call and posts
// the result back onto the reactor's single run-loop channel; the loop
// goroutine remains the only place callbacks ever execute, so no two
// callbacks for the same watched source run concurrently and every
// callback runs on its owning reactor.
package reactor

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Reactor is a single run loop: a goroutine that drains a job channel and
// fires due timers, never running two callbacks concurrently.
type Reactor struct {
	Name string

	jobs     chan func()
	timerOps chan func(*timerWheel)
	stop     chan struct{}
	done     chan struct{}

	loopGID atomic.Uint64
	started atomic.Bool

	// wheel is touched only by the loop goroutine: cross-thread timer calls
	// go through timerOps, in-loop calls mutate it directly.
	wheel *timerWheel

	mu       sync.Mutex
	watchers map[any]*watcher
}

type watcher struct {
	stop func() // unblocks the underlying blocking read, e.g. conn.Close
}

// New creates a Reactor. Call Run to start its loop goroutine.
func New(name string) *Reactor {
	return &Reactor{
		Name:     name,
		jobs:     make(chan func(), 256),
		timerOps: make(chan func(*timerWheel), 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		wheel:    newTimerWheel(),
		watchers: make(map[any]*watcher),
	}
}

// Run blocks, executing the reactor's loop until Stop is called. It should
// be invoked exactly once, typically via `go r.Run()`.
func (r *Reactor) Run() {
	r.loopGID.Store(currentGoroutineID())
	r.started.Store(true)
	defer func() {
		// Drain work that raced with shutdown so a caller blocked in a
		// synchronous RunInLoop handoff is not wedged, then signal exit.
		for {
			select {
			case fn := <-r.jobs:
				fn()
			case op := <-r.timerOps:
				op(r.wheel)
			default:
				close(r.done)
				return
			}
		}
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if exp, ok := r.wheel.nextExpiration(); ok {
			d := time.Until(exp)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		} else {
			timer.Reset(time.Hour)
		}
	}
	resetTimer()

	for {
		select {
		case <-r.stop:
			return
		case fn := <-r.jobs:
			fn()
			resetTimer()
		case op := <-r.timerOps:
			op(r.wheel)
			resetTimer()
		case <-timer.C:
			r.wheel.fireDue(time.Now())
			resetTimer()
		}
	}
}

// Stop requests the loop to exit and blocks until it has.
func (r *Reactor) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}

// IsInLoopThread reports whether the calling goroutine is this reactor's
// loop goroutine.
func (r *Reactor) IsInLoopThread() bool {
	return r.started.Load() && currentGoroutineID() == r.loopGID.Load()
}

// AssertInLoopThread panics if called off the reactor's loop goroutine,
// catching internal invariant violations ("a callback ran outside its
// owning reactor") during development.
func (r *Reactor) AssertInLoopThread() {
	if !r.IsInLoopThread() {
		panic(fmt.Sprintf("reactor %s: invariant violation, called off loop goroutine", r.Name))
	}
}

// RunInLoop schedules fn to run on the reactor's loop goroutine. If the
// caller is already on that goroutine, fn runs synchronously and
// immediately.
func (r *Reactor) RunInLoop(fn func()) {
	if r.IsInLoopThread() {
		fn()
		return
	}
	select {
	case r.jobs <- fn:
	case <-r.done:
		// The loop is gone; run inline rather than wedge the caller during
		// shutdown.
		fn()
	}
}

// AddTimer schedules fn to run once after d elapses. Called from the loop
// goroutine (e.g. inside another callback) it mutates the wheel directly;
// cross-thread callers hand the mutation to the loop.
func (r *Reactor) AddTimer(d time.Duration, fn func()) TimerID {
	if r.IsInLoopThread() {
		return r.wheel.add(time.Now().Add(d), 0, fn)
	}
	result := make(chan TimerID, 1)
	r.timerOps <- func(w *timerWheel) {
		result <- w.add(time.Now().Add(d), 0, fn)
	}
	return <-result
}

// AddPeriodic schedules fn to run every d, starting after the first d has
// elapsed.
func (r *Reactor) AddPeriodic(d time.Duration, fn func()) TimerID {
	if r.IsInLoopThread() {
		return r.wheel.add(time.Now().Add(d), d, fn)
	}
	result := make(chan TimerID, 1)
	r.timerOps <- func(w *timerWheel) {
		result <- w.add(time.Now().Add(d), d, fn)
	}
	return <-result
}

// Cancel cancels a previously scheduled timer. Canceling an already-fired
// one-shot timer, or an unknown id, is a no-op.
func (r *Reactor) Cancel(id TimerID) {
	if r.IsInLoopThread() {
		r.wheel.cancel(id)
		return
	}
	r.timerOps <- func(w *timerWheel) { w.cancel(id) }
}

// AddRead registers a blocking read source under key, spawning a watcher
// goroutine that repeatedly calls readOnce until it reports no more work.
// readOnce performs only the blocking read; the dispatch closure it returns
// is posted to the loop goroutine, which is the only place callbacks
// execute. The watcher being the sole producer for its source, the jobs
// channel's FIFO order preserves per-source dispatch order. key lets Remove
// later tear the watcher down (e.g. a net.Conn or a conv id).
func (r *Reactor) AddRead(key any, closer interface{ Close() error }, readOnce func() (dispatch func(), more bool)) {
	r.mu.Lock()
	r.watchers[key] = &watcher{stop: func() { closer.Close() }}
	r.mu.Unlock()

	go func() {
		for {
			dispatch, more := readOnce()
			if dispatch != nil {
				r.RunInLoop(dispatch)
			}
			if !more {
				return
			}
		}
	}()
}

// Remove tears down a previously registered watcher, closing its underlying
// source to unblock the reader goroutine.
func (r *Reactor) Remove(key any) {
	r.mu.Lock()
	w, ok := r.watchers[key]
	delete(r.watchers, key)
	r.mu.Unlock()
	if ok && w.stop != nil {
		w.stop()
	}
}

// currentGoroutineID parses the running goroutine's id out of its own stack
// trace, since Go exposes no public goroutine-identity API. It backs the
// affinity checks in RunInLoop and AssertInLoopThread.
func currentGoroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	fields := bytes.Fields(buf)
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}
