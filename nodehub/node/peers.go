package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/craftec/nodehub/nodehub/keystore"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

const (
	// ProtocolID opens every peer handshake line.
	ProtocolID = "/craftobj/hello/1.0.0"

	handshakeTimeout = 5 * time.Second
	dialAttempts     = 3
	dialBackoff      = 500 * time.Millisecond
)

// handshake exchanges "<protocol> <peer id>" lines and returns the remote
// peer id after checking that it embeds a valid ed25519 key.
func (n *Node) handshake(conn net.Conn) (string, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := fmt.Fprintf(conn, "%s %s\n", ProtocolID, n.cfg.PeerID); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	proto, remoteID, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok || proto != ProtocolID {
		return "", fmt.Errorf("unexpected handshake %q", strings.TrimSpace(line))
	}
	if _, err := keystore.ParsePeerID(remoteID); err != nil {
		return "", err
	}
	return remoteID, nil
}

func (n *Node) addPeer(peerID, addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[peerID] = addr
}

func (n *Node) acceptPeers(ctx context.Context, l manet.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			defer conn.Close()
			remote := conn.RemoteMultiaddr().String()
			peerID, err := n.handshake(conn)
			if err != nil {
				n.logger.WarnContext(ctx, "Rejected inbound peer", "remote", remote, "error", err)
				return
			}
			n.addPeer(peerID, remote)
			n.logger.InfoContext(ctx, "Inbound peer connected", "peer", peerID, "remote", remote)
		}()
	}
}

// dialBootPeers greets every boot peer once, retrying briefly because siblings
// may still be binding their listeners.
func (n *Node) dialBootPeers(ctx context.Context) {
	for _, addr := range n.bootPeers {
		remote, err := ma.NewMultiaddr(addr)
		if err != nil {
			n.logger.WarnContext(ctx, "Skipping invalid boot peer", "addr", addr, "error", err)
			continue
		}
		go n.dialPeer(ctx, remote)
	}
}

func (n *Node) dialPeer(ctx context.Context, remote ma.Multiaddr) {
	var d manet.Dialer
	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		conn, err := d.DialContext(dialCtx, remote)
		cancel()
		if err == nil {
			peerID, herr := n.handshake(conn)
			conn.Close()
			if herr == nil {
				n.addPeer(peerID, remote.String())
				n.logger.InfoContext(ctx, "Connected to boot peer", "addr", remote.String(), "peer", peerID)
				return
			}
			err = herr
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return
		case <-time.After(dialBackoff * time.Duration(attempt)):
		}
	}
	n.logger.WarnContext(ctx, "Boot peer unreachable", "addr", remote.String(), "error", lastErr)
}
