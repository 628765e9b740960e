package reactor

import (
	"net"
	"sync"
	"testing"
	"time"
)

func TestRunInLoopOrdering(t *testing.T) {
	r := New("test")
	go r.Run()
	defer r.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		r.RunInLoop(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 4 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued jobs to run")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
}

func TestRunInLoopSynchronousWhenAlreadyOnLoop(t *testing.T) {
	r := New("test")
	go r.Run()
	defer r.Stop()

	ran := make(chan bool, 1)
	r.RunInLoop(func() {
		nested := false
		r.RunInLoop(func() { nested = true })
		ran <- nested
	})

	select {
	case nested := <-ran:
		if !nested {
			t.Fatal("nested RunInLoop call did not execute synchronously")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestAddTimerFires(t *testing.T) {
	r := New("test")
	go r.Run()
	defer r.Stop()

	fired := make(chan struct{})
	r.AddTimer(20*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("one-shot timer never fired")
	}
}

func TestAddPeriodicFiresRepeatedly(t *testing.T) {
	r := New("test")
	go r.Run()
	defer r.Stop()

	count := make(chan struct{}, 10)
	id := r.AddPeriodic(10*time.Millisecond, func() {
		select {
		case count <- struct{}{}:
		default:
		}
	})
	defer r.Cancel(id)

	for i := 0; i < 3; i++ {
		select {
		case <-count:
		case <-time.After(time.Second):
			t.Fatalf("periodic timer fired only %d times", i)
		}
	}
}

func TestCancelPreventsFire(t *testing.T) {
	r := New("test")
	go r.Run()
	defer r.Stop()

	fired := false
	id := r.AddTimer(30*time.Millisecond, func() { fired = true })
	r.Cancel(id)

	time.Sleep(80 * time.Millisecond)
	r.RunInLoop(func() {
		if fired {
			t.Fatal("canceled timer fired")
		}
	})
}

func TestAddReadDispatchesOnLoopGoroutine(t *testing.T) {
	r := New("test")
	go r.Run()
	defer r.Stop()

	server, client := net.Pipe()
	defer client.Close()

	type result struct {
		onLoop bool
		data   string
	}
	results := make(chan result, 4)
	r.AddRead(server, server, func() (func(), bool) {
		buf := make([]byte, 16)
		n, err := server.Read(buf)
		if err != nil {
			return nil, false
		}
		return func() {
			results <- result{onLoop: r.IsInLoopThread(), data: string(buf[:n])}
		}, true
	})

	client.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-results:
		if !got.onLoop {
			t.Fatal("read dispatch ran off the loop goroutine")
		}
		if got.data != "ping" {
			t.Fatalf("dispatch saw %q, want %q", got.data, "ping")
		}
	case <-time.After(time.Second):
		t.Fatal("read dispatch never ran")
	}
	r.Remove(server)
}

func TestAssertInLoopThreadPanicsOffLoop(t *testing.T) {
	r := New("test")
	go r.Run()
	defer r.Stop()

	// Wait until the loop goroutine has actually started.
	for !r.started.Load() {
		time.Sleep(time.Millisecond)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when asserting loop affinity off-loop")
		}
	}()
	r.AssertInLoopThread()
}
