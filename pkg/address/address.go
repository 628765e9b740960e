// Package address provides the Endpoint value type shared across the
// reactor, RTSP, ARQ, and monitor packages: a small, copyable ip+port pair
// passed by value instead of by pointer.
package address

import (
	"fmt"
	"net"
)

// Endpoint is an IPv4/IPv6 address paired with a port.
type Endpoint struct {
	IP   string
	Port uint16
}

// String renders the endpoint as "ip:port".
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, fmt.Sprintf("%d", e.Port))
}

// IsZero reports whether the endpoint has never been set.
func (e Endpoint) IsZero() bool {
	return e.IP == "" && e.Port == 0
}

// ParseEndpoint parses an "ip:port" string into an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint port %q: %w", portStr, err)
	}
	return Endpoint{IP: host, Port: port}, nil
}

// FromUDPAddr converts a *net.UDPAddr into an Endpoint.
func FromUDPAddr(a *net.UDPAddr) Endpoint {
	return Endpoint{IP: a.IP.String(), Port: uint16(a.Port)}
}

// ResolveUDP resolves the endpoint to a *net.UDPAddr.
func (e Endpoint) ResolveUDP() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", e.String())
}

// ResolveTCP resolves the endpoint to a *net.TCPAddr.
func (e Endpoint) ResolveTCP() (*net.TCPAddr, error) {
	return net.ResolveTCPAddr("tcp", e.String())
}
