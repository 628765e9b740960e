package arq

import (
	"net"
	"testing"
)

func TestSharedSocketRegisterIsIdempotentPerPeer(t *testing.T) {
	s, err := NewSharedSocket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewSharedSocket: %v", err)
	}
	defer s.Close()

	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}
	f1, err := s.Register(100, peer)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	f2, err := s.Register(100, peer)
	if err != nil {
		t.Fatalf("Register (same peer again): %v", err)
	}
	if f1 != f2 {
		t.Fatal("expected re-registering the same conv+peer to return the existing flow")
	}
}

func TestSharedSocketRejectsConvCollisionAcrossPeers(t *testing.T) {
	s, err := NewSharedSocket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewSharedSocket: %v", err)
	}
	defer s.Close()

	peerA := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9001}
	peerB := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9002}

	if _, err := s.Register(55, peerA); err != nil {
		t.Fatalf("Register peerA: %v", err)
	}
	if _, err := s.Register(55, peerB); err == nil {
		t.Fatal("expected conv collision across distinct peers to be rejected")
	}
}

func TestSharedSocketUnregister(t *testing.T) {
	s, err := NewSharedSocket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewSharedSocket: %v", err)
	}
	defer s.Close()

	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9003}
	if _, err := s.Register(1, peer); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Unregister(1)

	f2, err := s.Register(1, peer)
	if err != nil {
		t.Fatalf("Register after Unregister: %v", err)
	}
	if f2 == nil {
		t.Fatal("expected a fresh flow after unregistering conv 1")
	}
}
