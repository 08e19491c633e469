package processes

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/craftec/nodehub/nodehub/nodeconfig"
	"github.com/mitchellh/go-homedir"
	ma "github.com/multiformats/go-multiaddr"
)

// Defaults are the inputs endpoint allocation derives unset fields from.
type Defaults struct {
	Product        string // Optional, defaults to "craftobj"
	DefaultDirName string // Optional, defaults to ".craftobj"
	BaseWSPort     int    // Optional, defaults to 9091
	BaseListenPort int    // Optional, defaults to 44001
	HomeDir        string // Optional, defaults to the user's home directory
	TempDir        string // Optional, defaults to os.TempDir()
}

func (d Defaults) withFallbacks() (Defaults, error) {
	if d.Product == "" {
		d.Product = "craftobj"
	}
	if d.DefaultDirName == "" {
		d.DefaultDirName = "." + d.Product
	}
	if d.BaseWSPort == 0 {
		d.BaseWSPort = 9091
	}
	if d.BaseListenPort == 0 {
		d.BaseListenPort = 44001
	}
	if d.HomeDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return d, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		d.HomeDir = home
	}
	if d.TempDir == "" {
		d.TempDir = os.TempDir()
	}
	return d, nil
}

// Endpoints are the resolved ports and paths of one instance.
type Endpoints struct {
	WSPort     int
	ListenPort int
	DataDir    string
	SocketPath string
	ListenAddr string
}

// AllocateEndpoints resolves req against the defaults for instance id. It has
// no side effects, so the same inputs always produce the same endpoints.
func AllocateEndpoints(req StartRequest, id uint32, d Defaults) (Endpoints, error) {
	d, err := d.withFallbacks()
	if err != nil {
		return Endpoints{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	primary := id == 0

	ep := Endpoints{
		WSPort:     req.WSPort,
		ListenPort: d.BaseListenPort,
		DataDir:    req.DataDir,
		SocketPath: req.SocketPath,
		ListenAddr: req.ListenAddr,
	}
	if ep.WSPort == 0 {
		ep.WSPort = d.BaseWSPort + int(id)
	}
	if ep.WSPort < 0 || ep.WSPort > 65535 {
		return Endpoints{}, fmt.Errorf("%w: ws port %d out of range", ErrInvalidAddress, ep.WSPort)
	}
	if !primary {
		ep.ListenPort = d.BaseListenPort + int(id)
	}

	if ep.DataDir == "" {
		if primary {
			ep.DataDir = filepath.Join(d.HomeDir, d.DefaultDirName)
		} else {
			ep.DataDir = filepath.Join(d.TempDir, fmt.Sprintf("%s-node-%d", d.Product, id))
		}
	} else if ep.DataDir, err = homedir.Expand(ep.DataDir); err != nil {
		return Endpoints{}, fmt.Errorf("%w: data dir %q: %v", ErrIO, req.DataDir, err)
	}

	if ep.SocketPath == "" {
		if primary {
			ep.SocketPath = filepath.Join(d.TempDir, d.Product+".sock")
		} else {
			ep.SocketPath = filepath.Join(d.TempDir, fmt.Sprintf("%s-%d.sock", d.Product, id))
		}
	}

	if ep.ListenAddr == "" {
		ep.ListenAddr = fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", ep.ListenPort)
	} else {
		if _, err := ma.NewMultiaddr(ep.ListenAddr); err != nil {
			return Endpoints{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, ep.ListenAddr, err)
		}
		port, err := nodeconfig.TCPPort(ep.ListenAddr)
		if err != nil {
			return Endpoints{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		ep.ListenPort = port
	}
	return ep, nil
}
