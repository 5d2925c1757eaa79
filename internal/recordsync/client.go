// Package recordsync moves wrapped-key records between devices. The default
// transport is an in-process bus for tests and local development; builds
// tagged real_waku relay envelopes over a go-waku node instead.
package recordsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"hush-chat/go-keycore/pkg/models"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var runtimeStatusPollInterval = 1 * time.Second

// ErrNotConnected reports an operation attempted while the transport is
// down. It is not transient: callers wait for Start/reconnect rather than
// retrying.
var ErrNotConnected = errors.New("record sync not connected")

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	AdvertiseAddress    string        `yaml:"advertiseAddress"`
	EnableRelay         bool          `yaml:"enableRelay"`
	EnableStore         bool          `yaml:"enableStore"`
	EnableFilter        bool          `yaml:"enableFilter"`
	EnableLightPush     bool          `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	StoreFailover       bool          `yaml:"storeFailover"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type Status struct {
	State     string
	PeerCount int
	LastSync  time.Time
}

// Client is the record transport endpoint for one identity.
type Client struct {
	mu     sync.RWMutex
	cfg    Config
	status Status
	selfID string
	gw     syncBackend

	monitorCancel    context.CancelFunc
	monitorWG        sync.WaitGroup
	stateTransitions int
}

type syncBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	NetworkMetrics() map[string]int
	ApplyConfig(cfg Config)
	SetIdentity(identityID string)
	ListenAddresses() []string
	SubscribeRecords(handler func(RecordEnvelope)) error
	PublishRecord(ctx context.Context, env RecordEnvelope) error
	FetchRecordsSince(ctx context.Context, recipient string, since time.Time, limit int) ([]RecordEnvelope, error)
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		EnableRelay:         true,
		EnableStore:         true,
		EnableFilter:        true,
		EnableLightPush:     true,
		BootstrapNodes:      nil,
		StoreFailover:       true,
		MinPeers:            2,
		StoreQueryFanout:    3,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

func NewClient(cfg Config) *Client {
	cfg = normalizeConfig(cfg)
	return &Client{
		cfg: cfg,
		status: Status{
			State:     StateDisconnected,
			PeerCount: 0,
		},
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.StoreQueryFanout <= 0 {
		cfg.StoreQueryFanout = def.StoreQueryFanout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}

// EnvelopeFor addresses a record to its counterparty: the target while the
// record travels requester to target, the requester when the target writes
// a status transition back.
func EnvelopeFor(selfID string, rec models.WrappedKeyRecord) RecordEnvelope {
	recipient := rec.TargetID
	if selfID == rec.TargetID {
		recipient = rec.RequesterID
	}
	return RecordEnvelope{
		ID:        rec.ID,
		SenderID:  selfID,
		Recipient: recipient,
		Record:    rec.Clone(),
	}
}

func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.transitionStateLocked(StateConnecting)
	c.status.LastSync = time.Now()
	c.mu.Unlock()

	if c.cfg.Transport == TransportGoWaku {
		backend := newGoWakuBackend()
		if backend == nil {
			c.setDisconnected()
			return errors.New("go-waku backend is not available in this build")
		}
		if err := backend.Start(ctx, c.cfg); err != nil {
			c.setDisconnected()
			return err
		}
		peerCount := backend.PeerCount()
		if c.cfg.StoreFailover {
			var err error
			peerCount, err = waitForStartupPeerCount(ctx, backend, c.cfg)
			if err != nil {
				c.setDisconnected()
				return err
			}
		}
		c.mu.Lock()
		c.gw = backend
		c.transitionStateLocked(startupStateFromPeerCount(peerCount, c.cfg))
		c.status.PeerCount = peerCount
		c.status.LastSync = time.Now()
		c.mu.Unlock()
		c.startRuntimeMonitor()
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	c.mu.Lock()
	c.transitionStateLocked(StateConnected)
	c.status.PeerCount = estimatedPeers(c.cfg)
	c.status.LastSync = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Client) Stop(_ context.Context) error {
	c.stopRuntimeMonitor()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gw != nil {
		c.gw.Stop()
		c.gw = nil
	}
	if c.selfID != "" {
		globalBus.unsubscribe(c.selfID)
	}
	c.transitionStateLocked(StateDisconnected)
	c.status.PeerCount = 0
	c.status.LastSync = time.Now()
	return nil
}

func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.status
	if c.gw != nil {
		s.PeerCount = c.gw.PeerCount()
	}
	return s
}

func (c *Client) SetIdentity(identityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfID = identityID
	if c.gw != nil {
		c.gw.SetIdentity(identityID)
	}
}

// ApplyNetworkConfig updates the connectivity knobs on a running client
// without restarting the transport.
func (c *Client) ApplyNetworkConfig(cfg Config) {
	cfg = normalizeConfig(cfg)

	c.mu.Lock()
	c.cfg.BootstrapNodes = append([]string(nil), cfg.BootstrapNodes...)
	c.cfg.MinPeers = cfg.MinPeers
	c.cfg.ReconnectInterval = cfg.ReconnectInterval
	c.cfg.ReconnectBackoffMax = cfg.ReconnectBackoffMax
	gw := c.gw
	clientCfg := c.cfg
	c.mu.Unlock()

	if gw != nil {
		gw.ApplyConfig(clientCfg)
	}
}

func (c *Client) SubscribeRecords(handler func(RecordEnvelope)) error {
	c.mu.Lock()
	state := c.status.State
	selfID := c.selfID
	gw := c.gw
	c.mu.Unlock()

	if state != StateConnected && state != StateDegraded {
		return ErrNotConnected
	}
	if selfID == "" {
		return errors.New("identity is not set")
	}
	if gw != nil {
		return gw.SubscribeRecords(handler)
	}
	globalBus.subscribe(selfID, handler)
	return nil
}

func (c *Client) PublishRecord(ctx context.Context, env RecordEnvelope) error {
	c.mu.RLock()
	state := c.status.State
	gw := c.gw
	c.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return ErrNotConnected
	}
	if env.Recipient == "" {
		return errors.New("recipient is required")
	}
	if gw != nil {
		return gw.PublishRecord(ctx, env)
	}
	globalBus.publish(env)
	return nil
}

func (c *Client) ListenAddresses() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gw == nil {
		return nil
	}
	return append([]string(nil), c.gw.ListenAddresses()...)
}

func (c *Client) FetchRecordsSince(ctx context.Context, recipient string, since time.Time, limit int) ([]RecordEnvelope, error) {
	c.mu.RLock()
	state := c.status.State
	gw := c.gw
	c.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return nil, ErrNotConnected
	}
	if recipient == "" {
		return nil, errors.New("recipient is required")
	}
	if gw == nil {
		// Mock transport answers catch-up queries from its retained log.
		return globalBus.fetchSince(recipient, since, limit), nil
	}
	return gw.FetchRecordsSince(ctx, recipient, since, limit)
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionStateLocked(StateDisconnected)
	c.status.PeerCount = 0
	c.status.LastSync = time.Now()
}

func (c *Client) startRuntimeMonitor() {
	c.mu.Lock()
	if c.monitorCancel != nil {
		c.monitorCancel()
		c.monitorCancel = nil
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	c.monitorCancel = cancel
	c.monitorWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.monitorWG.Done()
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()

		// Update once immediately to avoid waiting one interval after startup.
		c.refreshRuntimeStatus()

		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				c.refreshRuntimeStatus()
			}
		}
	}()
}

func (c *Client) stopRuntimeMonitor() {
	c.mu.Lock()
	cancel := c.monitorCancel
	c.monitorCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.monitorWG.Wait()
	}
}

func (c *Client) refreshRuntimeStatus() {
	c.mu.RLock()
	gw := c.gw
	c.mu.RUnlock()
	if gw == nil {
		return
	}
	peerCount := gw.PeerCount()
	nextState := StateConnected
	if peerCount <= 0 {
		nextState = StateDegraded
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State == StateDisconnected {
		return
	}
	if c.status.State != nextState || c.status.PeerCount != peerCount {
		c.transitionStateLocked(nextState)
		c.status.PeerCount = peerCount
		c.status.LastSync = time.Now()
	}
}

func (c *Client) NetworkMetrics() map[string]int {
	c.mu.RLock()
	transitions := c.stateTransitions
	gw := c.gw
	c.mu.RUnlock()
	out := map[string]int{
		"network_state_transitions": transitions,
	}
	if gw != nil {
		for k, v := range gw.NetworkMetrics() {
			out[k] = v
		}
	}
	return out
}

func (c *Client) transitionStateLocked(next string) {
	if next == "" {
		return
	}
	if c.status.State != next {
		c.stateTransitions++
		c.status.State = next
	}
}

func estimatedPeers(cfg Config) int {
	if len(cfg.BootstrapNodes) == 0 {
		return 1
	}
	if len(cfg.BootstrapNodes) > 12 {
		return 12
	}
	return len(cfg.BootstrapNodes)
}

func waitForStartupPeerCount(ctx context.Context, backend syncBackend, cfg Config) (int, error) {
	target := startupPeerTarget(cfg)
	peerCount := backend.PeerCount()
	if peerCount >= target {
		return peerCount, nil
	}

	timeout := startupHandshakeTimeout(cfg)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return backend.PeerCount(), ctx.Err()
		case <-timer.C:
			return backend.PeerCount(), nil
		case <-ticker.C:
			peerCount = backend.PeerCount()
			if peerCount >= target {
				return peerCount, nil
			}
		}
	}
}

func startupStateFromPeerCount(peerCount int, cfg Config) string {
	if peerCount >= startupPeerTarget(cfg) {
		return StateConnected
	}
	return StateDegraded
}

func startupPeerTarget(cfg Config) int {
	target := cfg.MinPeers
	if target <= 0 {
		target = 1
	}
	if len(cfg.BootstrapNodes) > 0 && target > len(cfg.BootstrapNodes) {
		target = len(cfg.BootstrapNodes)
	}
	if target < 1 {
		target = 1
	}
	return target
}

func startupHandshakeTimeout(cfg Config) time.Duration {
	base := cfg.ReconnectInterval
	if base <= 0 {
		base = time.Second
	}
	timeout := base * 5
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	if cfg.ReconnectBackoffMax > 0 && timeout > cfg.ReconnectBackoffMax {
		timeout = cfg.ReconnectBackoffMax
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return timeout
}
