package nodeconfig

import "fmt"

// Outcome describes what Ensure did to the config file.
type Outcome int

const (
	Unchanged Outcome = iota
	Created
	Merged
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Merged:
		return "merged"
	default:
		return "unchanged"
	}
}

// Params are the resolved values for one instance.
type Params struct {
	Path         string
	Capabilities []string
	ListenPort   int
	WSPort       int
	SocketPath   string
	BootPeers    []string
}

// Defaults synthesizes the document written for an instance that has no
// config file yet.
func Defaults(p Params) (Document, error) {
	caps := p.Capabilities
	if len(caps) == 0 {
		caps = []string{DefaultCapability}
	}
	peers := p.BootPeers
	if peers == nil {
		peers = []string{}
	}

	doc := Document{}
	fields := []struct {
		key   string
		value any
	}{
		{FieldCapabilities, caps},
		{FieldListenPort, p.ListenPort},
		{FieldWSPort, p.WSPort},
		{FieldSocketPath, p.SocketPath},
		{FieldMaxStorageBytes, DefaultMaxStorageBytes},
		{FieldBootPeers, peers},
	}
	for _, f := range fields {
		if err := doc.Set(f.key, f.value); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Ensure makes sure the config at p.Path exists and carries p.BootPeers.
//
// A missing file is created from Defaults. An existing file is only rewritten
// when there are boot peers to inject, and then only the boot_peers field
// changes. The returned document is the one the instance should run with; it
// is valid even when err reports a failed write.
func Ensure(store Store, p Params) (Document, Outcome, error) {
	if locker, ok := store.(Locker); ok {
		unlock, err := locker.Lock(p.Path)
		if err != nil {
			doc, derr := Defaults(p)
			if derr != nil {
				return nil, Unchanged, derr
			}
			return doc, Unchanged, err
		}
		defer unlock()
	}

	existing, found, err := store.Read(p.Path)
	if err != nil {
		doc, derr := Defaults(p)
		if derr != nil {
			return nil, Unchanged, derr
		}
		return doc, Unchanged, err
	}

	if !found {
		doc, err := Defaults(p)
		if err != nil {
			return nil, Unchanged, err
		}
		if err := store.Write(p.Path, doc); err != nil {
			return doc, Unchanged, fmt.Errorf("failed to write initial config: %w", err)
		}
		return doc, Created, nil
	}

	if len(p.BootPeers) == 0 {
		return existing, Unchanged, nil
	}
	if err := existing.Set(FieldBootPeers, p.BootPeers); err != nil {
		return existing, Unchanged, err
	}
	if err := store.Write(p.Path, existing); err != nil {
		return existing, Unchanged, fmt.Errorf("failed to update boot peers: %w", err)
	}
	return existing, Merged, nil
}
