package processes

import (
	"crypto/ed25519"
	"fmt"
	"time"
)

// Mode names the kind of execution unit backing an instance.
type Mode string

const (
	ModeTask    Mode = "task"
	ModeProcess Mode = "process"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTask, ModeProcess:
		return Mode(s), nil
	case "":
		return ModeTask, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// StartRequest carries the caller's overrides for a new instance. Zero values
// mean "use the computed default".
type StartRequest struct {
	DataDir      string   `json:"data_dir,omitempty"`
	SocketPath   string   `json:"socket_path,omitempty"`
	WSPort       int      `json:"ws_port,omitempty"`
	ListenAddr   string   `json:"listen_addr,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	// BinaryPath is accepted for compatibility with older callers and ignored;
	// the process backend always runs its configured binary.
	BinaryPath string `json:"binary_path,omitempty"`
}

// Instance describes a running instance. Only Identity may change after the
// instance is registered.
type Instance struct {
	ID         uint32    `json:"instance_id"`
	RunID      string    `json:"run_id"`
	WSPort     int       `json:"ws_port"`
	ListenPort int       `json:"listen_port"`
	DataDir    string    `json:"data_dir"`
	SocketPath string    `json:"socket_path"`
	ListenAddr string    `json:"listen_addr"`
	Primary    bool      `json:"is_primary"`
	PeerID     string    `json:"peer_id,omitempty"`
	Identity   string    `json:"identity,omitempty"`
	Mode       Mode      `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
}

// managedInstance owns a registered instance and its execution unit.
type managedInstance struct {
	info Instance
	key  ed25519.PrivateKey
	unit Unit
}
