package arq

import (
	"bytes"
	"testing"
	"time"
)

// loopback wires two Flows' output directly into each other's Input,
// skipping the network entirely, to exercise the KCP engine's ARQ behavior
// in isolation.
func loopback(t *testing.T) (a, b *Flow) {
	t.Helper()
	var bFlow *Flow
	a = New(42, func(payload []byte) error {
		return bFlow.Input(payload[ConvHeaderSize:])
	})
	b = New(42, func(payload []byte) error {
		return a.Input(payload[ConvHeaderSize:])
	})
	bFlow = b
	return a, b
}

func pumpUntil(t *testing.T, a, b *Flow, ready func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var now uint32
	for time.Now().Before(deadline) {
		now += UpdateInterval
		a.Update(now)
		b.Update(now)
		if ready() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for reliable-UDP flow to deliver data")
}

func TestFlowSendRecvRoundTrip(t *testing.T) {
	a, b := loopback(t)

	msg := []byte("hello monitor client")
	if err := a.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got []byte
	pumpUntil(t, a, b, func() bool {
		if data, ok := b.Recv(); ok {
			got = data
			return true
		}
		return false
	})

	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestFlowConfiguredPerSpecDefaults(t *testing.T) {
	f := New(7, func([]byte) error { return nil })
	if f.Conv != 7 {
		t.Fatalf("conv = %d, want 7", f.Conv)
	}
	// Configuration is applied through the kcp.KCP engine's own setters;
	// there is no public getter, so this test only asserts construction
	// does not panic and Send/Update/Check are usable immediately.
	if err := f.Send([]byte("x")); err != nil {
		t.Fatalf("Send on freshly constructed flow: %v", err)
	}
	f.Update(10)
	_ = f.Check(10)
}

func TestFlowSilentForTracksPeerActivity(t *testing.T) {
	f := New(9, func([]byte) error { return nil })

	if f.SilentFor(time.Second) {
		t.Fatal("freshly created flow should not be silent yet")
	}

	time.Sleep(60 * time.Millisecond)
	if !f.SilentFor(50 * time.Millisecond) {
		t.Fatal("flow with no input for 60ms should be silent past a 50ms threshold")
	}

	// Any inbound datagram, even one the engine rejects, counts as the peer
	// being alive.
	_ = f.Input([]byte{1, 2, 3})
	if f.SilentFor(50 * time.Millisecond) {
		t.Fatal("flow should not be silent immediately after Input")
	}
}

func TestFlowRejectsInputAfterClose(t *testing.T) {
	f := New(1, func([]byte) error { return nil })
	f.Close()
	if err := f.Send([]byte("x")); err == nil {
		t.Fatal("expected Send on a closed flow to error")
	}
	if err := f.Input([]byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("Input on a closed flow should be a silent no-op, got %v", err)
	}
}
