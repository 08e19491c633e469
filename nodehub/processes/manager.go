package processes

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/craftec/nodehub/nodehub/journal"
	"github.com/craftec/nodehub/nodehub/keystore"
	"github.com/craftec/nodehub/nodehub/logcapture"
	"github.com/craftec/nodehub/nodehub/nodeconfig"
	"github.com/google/uuid"
)

const defaultCloseTimeout = 5 * time.Second

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("processes: manager closed")

// Recorder persists lifecycle events. journal.Journal implements it.
type Recorder interface {
	Record(e journal.Event) error
}

// Config holds configuration options for the Manager.
type Config struct {
	Spawner      Spawner
	Keys         keystore.Provider // Optional, defaults to keystore.FileKeystore
	ConfigStore  nodeconfig.Store  // Optional, defaults to nodeconfig.FileStore
	Logs         *logcapture.Store // Optional, defaults to a store of 500-line buffers
	Journal      Recorder          // Optional, lifecycle events are not recorded when nil
	Logger       *slog.Logger      // Optional, defaults to slog.Default()
	Defaults     Defaults          // Optional, see Defaults for per-field fallbacks
	ProbeTimeout time.Duration     // Optional, defaults to 250ms
	CloseTimeout time.Duration     // Optional, defaults to 5s
}

// Manager starts, tracks and stops node instances. It is safe for concurrent
// use.
type Manager struct {
	// startMu serializes the id and port claim at the head of Start.
	startMu sync.Mutex
	nextID  uint32
	closed  bool

	registry *registry
	ports    *PortGuard
	logs     *logcapture.Store

	spawner      Spawner
	keys         keystore.Provider
	configStore  nodeconfig.Store
	journal      Recorder
	defaults     Defaults
	closeTimeout time.Duration

	logger     *slog.Logger
	unitLogger *slog.Logger

	// Units run under ctx so Close can reach any unit that is still alive.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a Manager from config.
func NewManager(config Config) (*Manager, error) {
	if config.Spawner == nil {
		return nil, errors.New("spawner is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keys := config.Keys
	if keys == nil {
		keys = keystore.FileKeystore{}
	}
	store := config.ConfigStore
	if store == nil {
		store = nodeconfig.FileStore{}
	}
	logs := config.Logs
	if logs == nil {
		logs = logcapture.NewStore(logcapture.DefaultCapacity)
	}
	closeTimeout := config.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = defaultCloseTimeout
	}

	// Units log through a handler that captures into this manager's store.
	unitLogger := logger
	if !logcapture.CapturesInto(logger, logs) {
		unitLogger = slog.New(logcapture.NewHandler(logs, logger.Handler(), nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry:     newRegistry(),
		ports:        NewPortGuard(config.ProbeTimeout),
		logs:         logs,
		spawner:      config.Spawner,
		keys:         keys,
		configStore:  store,
		journal:      config.Journal,
		defaults:     config.Defaults,
		closeTimeout: closeTimeout,
		logger:       logger.With("component", "Manager"),
		unitLogger:   unitLogger,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Logs returns the store holding the instances' log buffers.
func (m *Manager) Logs() *logcapture.Store {
	return m.logs
}

// Mode returns the execution mode of the configured spawner.
func (m *Manager) Mode() Mode {
	return m.spawner.Mode()
}

// claim is the part of a start that is decided under startMu.
type claim struct {
	id        uint32
	endpoints Endpoints
	bootPeers []string
}

// claimNext assigns the next id and reserves its ws port. Nothing is claimed
// when it fails.
func (m *Manager) claimNext(req StartRequest) (claim, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.closed {
		return claim{}, ErrClosed
	}
	id := m.nextID

	ep, err := AllocateEndpoints(req, id, m.defaults)
	if err != nil {
		return claim{id: id}, err
	}

	m.pruneFinished()
	if m.registry.claimsPort(ep.WSPort) || m.ports.IsReserved(ep.WSPort) {
		return claim{id: id}, fmt.Errorf("%w: %d is claimed by a running instance", ErrPortInUse, ep.WSPort)
	}
	if err := m.ports.Probe(ep.WSPort); err != nil {
		return claim{id: id}, err
	}
	m.ports.Reserve(ep.WSPort)
	m.nextID++

	return claim{
		id:        id,
		endpoints: ep,
		bootPeers: nodeconfig.BootPeers(m.registry.listenAddrs()),
	}, nil
}

// abandon undoes a claim after a later step of Start failed. The id is handed
// back only if no other start has claimed one since.
func (m *Manager) abandon(c claim) {
	m.logs.Remove(c.id)
	m.ports.Release(c.endpoints.WSPort)

	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.nextID == c.id+1 {
		m.nextID = c.id
	}
}

// Start allocates endpoints for a new instance, prepares its data directory,
// config and key, and spawns its execution unit.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Instance, error) {
	c, err := m.claimNext(req)
	if err != nil {
		m.logger.Warn("Rejected start request", "instanceID", c.id, "port", c.endpoints.WSPort, "error", err)
		m.record(journal.EventStartFailed, Instance{ID: c.id, WSPort: c.endpoints.WSPort}, err.Error())
		return nil, err
	}

	inst, err := m.launch(ctx, c, req)
	if err != nil {
		m.abandon(c)
		m.logger.Error("Failed to start instance", "instanceID", c.id, "error", err)
		m.record(journal.EventStartFailed, Instance{ID: c.id, WSPort: c.endpoints.WSPort, DataDir: c.endpoints.DataDir}, err.Error())
		return nil, err
	}
	return inst, nil
}

func (m *Manager) launch(ctx context.Context, c claim, req StartRequest) (*Instance, error) {
	ep := c.endpoints
	logger := m.logger.With("instanceID", c.id)

	// Config persistence only helps the next run; a failure here is logged and
	// the instance runs with the in-memory document.
	configPath := filepath.Join(ep.DataDir, nodeconfig.FileName)
	_, outcome, err := nodeconfig.Ensure(m.configStore, nodeconfig.Params{
		Path:         configPath,
		Capabilities: req.Capabilities,
		ListenPort:   ep.ListenPort,
		WSPort:       ep.WSPort,
		SocketPath:   ep.SocketPath,
		BootPeers:    c.bootPeers,
	})
	if err != nil {
		logger.Warn("Failed to persist node config", "path", configPath, "error", err)
	} else {
		logger.Debug("Node config ready", "path", configPath, "outcome", outcome.String())
	}

	if err := os.MkdirAll(ep.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create data dir: %v", ErrIO, err)
	}

	key, err := m.keys.LoadOrGenerate(filepath.Join(ep.DataDir, keystore.KeyFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load node key: %v", ErrKey, err)
	}
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected public key type", ErrKey)
	}
	identity, err := keystore.DeriveIdentity(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKey, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info := Instance{
		ID:         c.id,
		RunID:      uuid.New().String(),
		WSPort:     ep.WSPort,
		ListenPort: ep.ListenPort,
		DataDir:    ep.DataDir,
		SocketPath: ep.SocketPath,
		ListenAddr: ep.ListenAddr,
		Primary:    c.id == 0,
		PeerID:     identity.PeerID,
		Identity:   identity.DID,
		Mode:       m.spawner.Mode(),
		StartedAt:  time.Now().UTC(),
	}

	m.logs.Create(c.id)
	unit, err := m.spawner.Spawn(m.ctx, UnitConfig{
		InstanceID:   c.id,
		RunID:        info.RunID,
		DataDir:      ep.DataDir,
		SocketPath:   ep.SocketPath,
		ConfigPath:   configPath,
		ListenAddr:   ep.ListenAddr,
		ListenPort:   ep.ListenPort,
		WSPort:       ep.WSPort,
		Capabilities: req.Capabilities,
		BootPeers:    c.bootPeers,
		SigningKey:   key,
		PeerID:       identity.PeerID,
		Logs:         m.logs,
		Logger:       m.unitLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to spawn %s unit: %v", ErrIO, m.spawner.Mode(), err)
	}

	// Close may have drained the registry while this start was launching.
	m.startMu.Lock()
	closed := m.closed
	if !closed {
		m.registry.add(&managedInstance{info: info, key: key, unit: unit})
	}
	m.startMu.Unlock()
	if closed {
		unit.Cancel()
		return nil, ErrClosed
	}
	m.ports.Release(ep.WSPort)

	logger.Info("Instance started", "port", ep.WSPort, "listenAddr", ep.ListenAddr, "dataDir", ep.DataDir,
		"peerID", identity.PeerID, "bootPeers", len(c.bootPeers), "mode", string(info.Mode))
	m.record(journal.EventStart, info, "")
	return &info, nil
}

// Stop removes the instance from the registry and cancels its unit without
// waiting for it to exit.
func (m *Manager) Stop(id uint32) error {
	mi, ok := m.registry.remove(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	mi.unit.Cancel()
	m.logs.Remove(id)
	m.logger.Info("Instance stopped", "instanceID", id, "port", mi.info.WSPort)
	m.record(journal.EventStop, mi.info, "")
	return nil
}

// List returns the live instances sorted by id. Instances whose unit has
// exited on its own are pruned first.
func (m *Manager) List() []Instance {
	m.pruneFinished()
	return m.registry.list()
}

// Get returns the descriptor of a registered instance. Like List, it prunes
// finished units first, so an instance that has exited is not found.
func (m *Manager) Get(id uint32) (Instance, error) {
	m.pruneFinished()
	info, ok := m.registry.info(id)
	if !ok {
		return Instance{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return info, nil
}

// GetLogs returns the instance's buffered lines from index since onwards.
// Unknown instances and out-of-range indexes yield an empty slice.
func (m *Manager) GetLogs(id uint32, since int) []logcapture.Line {
	return m.logs.Logs(id, since)
}

// LogsAfterSeq returns the instance's retained lines with a sequence number
// above seq. Tails use it to keep their place while old lines are evicted.
func (m *Manager) LogsAfterSeq(id uint32, seq uint64) []logcapture.Line {
	return m.logs.LogsAfterSeq(id, seq)
}

// SetIdentity replaces the identity shown for an instance, for nodes that
// report a different one after their handshake completes.
func (m *Manager) SetIdentity(id uint32, identity string) error {
	if !m.registry.setIdentity(id, identity) {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// IssueAPIToken signs a token for the instance's own API with its node key.
func (m *Manager) IssueAPIToken(id uint32, ttl time.Duration) (string, error) {
	mi, ok := m.registry.get(id)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	token, err := keystore.IssueAPIToken(mi.key, mi.info.PeerID, id, ttl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKey, err)
	}
	return token, nil
}

// StopAll cancels every instance and clears the registry and their log
// buffers. It returns once cancellation has been issued.
func (m *Manager) StopAll() {
	for _, mi := range m.stopAll() {
		m.record(journal.EventStop, mi.info, "stop all")
	}
}

func (m *Manager) stopAll() []*managedInstance {
	all := m.registry.drain()
	for _, mi := range all {
		mi.unit.Cancel()
		m.logs.Remove(mi.info.ID)
	}
	if len(all) > 0 {
		m.logger.Info("Stopped all instances", "count", len(all))
	}
	return all
}

// Close stops every instance, rejects further starts, and waits up to the
// close timeout for the units to exit.
func (m *Manager) Close() error {
	m.startMu.Lock()
	m.closed = true
	m.startMu.Unlock()

	stopped := m.stopAll()
	for _, mi := range stopped {
		m.record(journal.EventStop, mi.info, "shutdown")
	}
	m.cancel()
	m.logs.Clear()

	timeout := time.NewTimer(m.closeTimeout)
	defer timeout.Stop()
	for _, mi := range stopped {
		select {
		case <-mi.unit.Done():
		case <-timeout.C:
			m.logger.Warn("Timed out waiting for instances to exit")
			return fmt.Errorf("timed out waiting for instance %d to exit", mi.info.ID)
		}
	}
	return nil
}

// pruneFinished drops instances whose unit has exited and removes their log
// buffers, keeping the last error line in the journal.
func (m *Manager) pruneFinished() {
	for _, mi := range m.registry.prune() {
		detail := lastErrorLine(m.logs.Logs(mi.info.ID, 0))
		m.logs.Remove(mi.info.ID)
		m.logger.Info("Instance exited", "instanceID", mi.info.ID, "port", mi.info.WSPort, "detail", detail)
		m.record(journal.EventExit, mi.info, detail)
	}
}

func lastErrorLine(lines []logcapture.Line) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i].IsError {
			return lines[i].Text
		}
	}
	return ""
}

func (m *Manager) record(eventType journal.EventType, inst Instance, detail string) {
	if m.journal == nil {
		return
	}
	err := m.journal.Record(journal.Event{
		EventType:  string(eventType),
		InstanceID: inst.ID,
		RunID:      inst.RunID,
		WSPort:     inst.WSPort,
		DataDir:    inst.DataDir,
		Detail:     detail,
	})
	if err != nil {
		m.logger.Warn("Failed to record lifecycle event", "event", string(eventType), "instanceID", inst.ID, "error", err)
	}
}
