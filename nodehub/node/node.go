// Package node is the in-process node run by task-mode instances. It serves
// the node's local API on its IPC socket and ws port, listens for peers on its
// listen multiaddr and dials the boot peers it was given.
//
// Everything here logs with the task's context, so records are attributed to
// the owning instance without the node knowing its buffer exists.
package node

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/craftec/nodehub/nodehub/nodeconfig"
	"github.com/craftec/nodehub/nodehub/processes"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/sync/errgroup"
)

// Node is one running in-process node.
type Node struct {
	cfg          processes.UnitConfig
	logger       *slog.Logger
	pub          ed25519.PublicKey
	capabilities []string
	bootPeers    []string
	startedAt    time.Time

	mu         sync.Mutex
	listenAddr string
	peers      map[string]string // peer id -> remote multiaddr
}

// Status is served on GET /status and over the WebSocket API.
type Status struct {
	InstanceID    uint32   `json:"instance_id"`
	PeerID        string   `json:"peer_id"`
	ListenAddr    string   `json:"listen_addr"`
	WSPort        int      `json:"ws_port"`
	Capabilities  []string `json:"capabilities"`
	BootPeers     []string `json:"boot_peers"`
	Peers         []string `json:"peers"`
	UptimeSeconds int64    `json:"uptime_seconds"`
}

// Run is a processes.TaskFunc. It returns nil once ctx is cancelled, or an
// error if the node cannot bind its endpoints.
func Run(ctx context.Context, cfg processes.UnitConfig) error {
	n, err := New(cfg)
	if err != nil {
		return err
	}
	return n.Serve(ctx)
}

// New prepares a node from its unit config. Capabilities and boot peers not
// supplied by the orchestrator are read from the node's config file.
func New(cfg processes.UnitConfig) (*Node, error) {
	if len(cfg.SigningKey) != ed25519.PrivateKeySize {
		return nil, errors.New("init failed: node has no signing key")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		cfg:          cfg,
		logger:       logger,
		pub:          cfg.SigningKey.Public().(ed25519.PublicKey),
		capabilities: cfg.Capabilities,
		bootPeers:    cfg.BootPeers,
		startedAt:    time.Now(),
		peers:        make(map[string]string),
	}
	if cfg.ConfigPath != "" && (len(n.capabilities) == 0 || len(n.bootPeers) == 0) {
		if doc, found, err := (nodeconfig.FileStore{}).Read(cfg.ConfigPath); err == nil && found {
			if len(n.capabilities) == 0 {
				n.capabilities, _ = doc.Strings(nodeconfig.FieldCapabilities)
			}
			if len(n.bootPeers) == 0 {
				n.bootPeers, _ = doc.Strings(nodeconfig.FieldBootPeers)
			}
		}
	}
	if len(n.capabilities) == 0 {
		n.capabilities = []string{nodeconfig.DefaultCapability}
	}
	return n, nil
}

// Serve binds the node's endpoints and blocks until ctx is cancelled.
func (n *Node) Serve(ctx context.Context) error {
	ipc, err := listenUnix(n.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("init failed: %w", err)
	}
	ws, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(n.cfg.WSPort)))
	if err != nil {
		ipc.Close()
		return fmt.Errorf("init failed: %w", err)
	}
	laddr, err := ma.NewMultiaddr(n.cfg.ListenAddr)
	if err != nil {
		ipc.Close()
		ws.Close()
		return fmt.Errorf("init failed: invalid listen addr: %w", err)
	}
	p2p, err := manet.Listen(laddr)
	if err != nil {
		ipc.Close()
		ws.Close()
		return fmt.Errorf("init failed: %w", err)
	}
	n.mu.Lock()
	n.listenAddr = p2p.Multiaddr().String()
	n.mu.Unlock()

	server := &http.Server{
		Handler:           n.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	n.logger.InfoContext(ctx, "Node started",
		"peerID", n.cfg.PeerID,
		"socket", n.cfg.SocketPath,
		"wsPort", n.cfg.WSPort,
		"listen", n.ListenAddr(),
		"capabilities", len(n.capabilities))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(server, ipc) })
	g.Go(func() error { return serveHTTP(server, ws) })
	g.Go(func() error { return n.acceptPeers(gctx, p2p) })
	g.Go(func() error {
		n.dialBootPeers(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Cancellation is immediate; open connections are not drained.
		server.Close()
		p2p.Close()
		os.Remove(n.cfg.SocketPath)
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		n.logger.InfoContext(ctx, "Node stopped")
		return nil
	}
	return err
}

func serveHTTP(server *http.Server, l net.Listener) error {
	if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// listenUnix binds path, replacing a stale socket file left by a previous run.
func listenUnix(path string) (net.Listener, error) {
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSocket != 0 {
		os.Remove(path)
	}
	return net.Listen("unix", path)
}

// ListenAddr returns the bound p2p listen address.
func (n *Node) ListenAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listenAddr == "" {
		return n.cfg.ListenAddr
	}
	return n.listenAddr
}

// Status returns a snapshot of the node.
func (n *Node) Status() Status {
	n.mu.Lock()
	peers := make([]string, 0, len(n.peers))
	for id := range n.peers {
		peers = append(peers, id)
	}
	n.mu.Unlock()
	sort.Strings(peers)

	bootPeers := n.bootPeers
	if bootPeers == nil {
		bootPeers = []string{}
	}
	return Status{
		InstanceID:    n.cfg.InstanceID,
		PeerID:        n.cfg.PeerID,
		ListenAddr:    n.ListenAddr(),
		WSPort:        n.cfg.WSPort,
		Capabilities:  n.capabilities,
		BootPeers:     bootPeers,
		Peers:         peers,
		UptimeSeconds: int64(time.Since(n.startedAt).Seconds()),
	}
}
