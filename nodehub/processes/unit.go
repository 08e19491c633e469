package processes

import (
	"context"
	"crypto/ed25519"
	"log/slog"

	"github.com/craftec/nodehub/nodehub/logcapture"
)

// Unit is a running execution unit backing one instance.
type Unit interface {
	// Finished reports whether the unit has terminated on its own or after
	// Cancel.
	Finished() bool
	// Cancel terminates the unit immediately and returns without waiting.
	Cancel()
	// Done is closed once the unit has fully exited.
	Done() <-chan struct{}
}

// UnitConfig is the fully resolved configuration handed to a Spawner.
type UnitConfig struct {
	InstanceID   uint32
	RunID        string
	DataDir      string
	SocketPath   string
	ConfigPath   string
	ListenAddr   string
	ListenPort   int
	WSPort       int
	Capabilities []string
	BootPeers    []string
	SigningKey   ed25519.PrivateKey
	PeerID       string

	// Logs receives the unit's output lines.
	Logs *logcapture.Store
	// Logger routes records logged with a context tagged for InstanceID into
	// Logs.
	Logger *slog.Logger
}

// Spawner starts execution units. The Manager is written against this
// interface only, so the process and task backends are interchangeable.
type Spawner interface {
	Spawn(ctx context.Context, cfg UnitConfig) (Unit, error)
	Mode() Mode
}
