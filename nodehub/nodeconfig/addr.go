package nodeconfig

import (
	"fmt"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
)

// TCPPort returns the tcp port carried by a listen multiaddr such as
// /ip4/0.0.0.0/tcp/44001.
func TCPPort(addr string) (int, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid multiaddr %q: %w", addr, err)
	}
	value, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return 0, fmt.Errorf("multiaddr %q has no tcp component", addr)
	}
	port, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("multiaddr %q: bad tcp port: %w", addr, err)
	}
	return port, nil
}

// LoopbackPeer is the address a sibling on the same host dials to reach a
// node listening on port.
func LoopbackPeer(port int) string {
	return fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port)
}

// BootPeers maps the listen addresses of running siblings to loopback dial
// addresses. Addresses without a usable tcp port are skipped.
func BootPeers(listenAddrs []string) []string {
	peers := make([]string, 0, len(listenAddrs))
	for _, addr := range listenAddrs {
		port, err := TCPPort(addr)
		if err != nil || port == 0 {
			continue
		}
		peers = append(peers, LoopbackPeer(port))
	}
	return peers
}
