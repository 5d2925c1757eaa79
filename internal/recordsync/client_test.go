package recordsync

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"hush-chat/go-keycore/internal/exchange"
	"hush-chat/go-keycore/pkg/models"
)

func TestClientLifecycle(t *testing.T) {
	c := NewClient(DefaultConfig())
	initial := c.Status()
	if initial.State != StateDisconnected {
		t.Fatalf("expected disconnected initially, got %s", initial.State)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	started := c.Status()
	if started.State != StateConnected {
		t.Fatalf("expected connected after start, got %s", started.State)
	}
	if started.PeerCount <= 0 {
		t.Fatalf("expected peer count > 0, got %d", started.PeerCount)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	stopped := c.Status()
	if stopped.State != StateDisconnected {
		t.Fatalf("expected disconnected after stop, got %s", stopped.State)
	}
}

func TestClientLifecycleGoWaku(t *testing.T) {
	if os.Getenv("HUSH_RUN_REAL_WAKU_TESTS") != "true" {
		t.Skip("set HUSH_RUN_REAL_WAKU_TESTS=true to run go-waku lifecycle test")
	}
	if newGoWakuBackend() == nil {
		t.Skip("go-waku backend is not enabled in this build")
	}

	cfg := DefaultConfig()
	cfg.Transport = TransportGoWaku
	cfg.Port = 0
	cfg.BootstrapNodes = nil

	c := NewClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("go-waku start failed: %v", err)
	}
	started := c.Status()
	if started.State != StateConnected && started.State != StateDegraded {
		t.Fatalf("expected connected/degraded after go-waku start, got %s", started.State)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("go-waku stop failed: %v", err)
	}
}

func TestClientRuntimeStateTransitionsByPeerCount(t *testing.T) {
	prevInterval := runtimeStatusPollInterval
	runtimeStatusPollInterval = 20 * time.Millisecond
	defer func() { runtimeStatusPollInterval = prevInterval }()

	backend := &fakeSyncBackend{peerCount: 1}
	c := NewClient(Config{Transport: TransportGoWaku})
	c.mu.Lock()
	c.gw = backend
	c.status.State = StateConnected
	c.status.PeerCount = 1
	c.status.LastSync = time.Now()
	c.mu.Unlock()
	c.startRuntimeMonitor()
	defer c.stopRuntimeMonitor()

	waitForState(t, c, StateConnected, 300*time.Millisecond)
	backend.setPeerCount(0)
	waitForState(t, c, StateDegraded, 500*time.Millisecond)
	backend.setPeerCount(2)
	waitForState(t, c, StateConnected, 500*time.Millisecond)
}

func TestNormalizeConfigAppliesSafeDefaults(t *testing.T) {
	cfg := normalizeConfig(Config{
		Transport:           "",
		MinPeers:            -1,
		StoreQueryFanout:    0,
		ReconnectInterval:   0,
		ReconnectBackoffMax: 10 * time.Millisecond,
	})

	if cfg.Transport == "" {
		t.Fatal("transport must be defaulted")
	}
	if cfg.MinPeers != 0 {
		t.Fatalf("expected negative minPeers to clamp to 0, got %d", cfg.MinPeers)
	}
	if cfg.StoreQueryFanout <= 0 {
		t.Fatalf("storeQueryFanout must be > 0, got %d", cfg.StoreQueryFanout)
	}
	if cfg.ReconnectInterval <= 0 {
		t.Fatalf("reconnectInterval must be > 0, got %s", cfg.ReconnectInterval)
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		t.Fatalf("reconnectBackoffMax must be >= reconnectInterval, got max=%s interval=%s", cfg.ReconnectBackoffMax, cfg.ReconnectInterval)
	}
}

func TestStartupStateFromPeerCount(t *testing.T) {
	cfg := Config{MinPeers: 2}
	if got := startupStateFromPeerCount(2, cfg); got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if got := startupStateFromPeerCount(0, cfg); got != StateDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
}

func TestStartupPeerTarget(t *testing.T) {
	if got := startupPeerTarget(Config{}); got != 1 {
		t.Fatalf("expected default startup target=1, got %d", got)
	}
	if got := startupPeerTarget(Config{MinPeers: 3, BootstrapNodes: []string{"a", "b"}}); got != 2 {
		t.Fatalf("expected target capped by bootstrap size to 2, got %d", got)
	}
}

func TestWaitForStartupPeerCountTimeoutReturnsDegradedCount(t *testing.T) {
	backend := &fakeSyncBackend{peerCount: 0}
	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	cfg := Config{
		MinPeers:            2,
		ReconnectInterval:   50 * time.Millisecond,
		ReconnectBackoffMax: 200 * time.Millisecond,
	}
	got, err := waitForStartupPeerCount(ctx, backend, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected peer count=0 after timeout, got %d", got)
	}
}

func TestEnvelopeForRoutesToCounterparty(t *testing.T) {
	rec := models.WrappedKeyRecord{
		ID:          "wrec1_test",
		RequesterID: "hush1_req",
		TargetID:    "hush1_tgt",
		Status:      models.ExchangeStatusPending,
	}

	outbound := EnvelopeFor("hush1_req", rec)
	if outbound.Recipient != "hush1_tgt" || outbound.SenderID != "hush1_req" {
		t.Fatalf("requester-side envelope misrouted: %+v", outbound)
	}
	inbound := EnvelopeFor("hush1_tgt", rec)
	if inbound.Recipient != "hush1_req" || inbound.SenderID != "hush1_tgt" {
		t.Fatalf("target-side envelope misrouted: %+v", inbound)
	}
}

func TestSyncerDeliversRecordsBetweenClients(t *testing.T) {
	requesterID := "hush1_syncer_requester"
	targetID := "hush1_syncer_target"

	requesterClient := startedClient(t)
	targetClient := startedClient(t)

	targetStore := exchange.NewInMemoryRecordStore()
	targetSyncer := NewSyncer(targetClient, targetStore, targetID, nil)
	if err := targetSyncer.Start(); err != nil {
		t.Fatalf("target syncer start: %v", err)
	}

	requesterSyncer := NewSyncer(requesterClient, exchange.NewInMemoryRecordStore(), requesterID, nil)
	rec := models.WrappedKeyRecord{
		ID:             models.WrappedKeyRecordID(requesterID, targetID, "conv-a", 1),
		RequesterID:    requesterID,
		TargetID:       targetID,
		ConversationID: "conv-a",
		Epoch:          1,
		Ciphertext:     []byte{1, 2, 3},
		Status:         models.ExchangeStatusPending,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      time.Now().UTC().Add(24 * time.Hour),
	}
	if err := requesterSyncer.Broadcast(context.Background(), rec); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, ok, err := targetStore.Get(rec.ID)
		if err != nil {
			t.Fatalf("store get: %v", err)
		}
		if ok {
			if got.Epoch != 1 || got.Status != models.ExchangeStatusPending {
				t.Fatalf("delivered record diverged: %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record never arrived at the target store")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResyncRecoversRecordsPublishedWhileOffline(t *testing.T) {
	requesterID := "hush1_resync_requester"
	targetID := "hush1_resync_target"
	since := time.Now().Add(-time.Second)

	requesterClient := startedClient(t)
	requesterSyncer := NewSyncer(requesterClient, exchange.NewInMemoryRecordStore(), requesterID, nil)

	rec := models.WrappedKeyRecord{
		ID:             models.WrappedKeyRecordID(requesterID, targetID, "conv-resync", 2),
		RequesterID:    requesterID,
		TargetID:       targetID,
		ConversationID: "conv-resync",
		Epoch:          2,
		Ciphertext:     []byte{9, 9, 9},
		Status:         models.ExchangeStatusPending,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      time.Now().UTC().Add(24 * time.Hour),
	}
	if err := requesterSyncer.Broadcast(context.Background(), rec); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	// The target connects afterwards and never subscribes, so only the
	// catch-up query can recover the record.
	targetClient := startedClient(t)
	targetStore := exchange.NewInMemoryRecordStore()
	targetSyncer := NewSyncer(targetClient, targetStore, targetID, nil)

	merged, err := targetSyncer.Resync(context.Background(), since, 50)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if merged != 1 {
		t.Fatalf("expected one merged record, got %d", merged)
	}
	got, ok, err := targetStore.Get(rec.ID)
	if err != nil || !ok {
		t.Fatalf("record not recovered: ok=%v err=%v", ok, err)
	}
	if got.Epoch != 2 || got.Status != models.ExchangeStatusPending {
		t.Fatalf("recovered record diverged: %+v", got)
	}
}

func TestRebroadcastPendingPushesOnlyPendingRecords(t *testing.T) {
	requesterID := "hush1_rebroadcast_requester"
	targetID := "hush1_rebroadcast_target"

	requesterStore := exchange.NewInMemoryRecordStore()
	base := models.WrappedKeyRecord{
		RequesterID:    requesterID,
		TargetID:       targetID,
		ConversationID: "conv-rebroadcast",
		Ciphertext:     []byte{7, 7, 7},
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      time.Now().UTC().Add(24 * time.Hour),
	}
	pending := base.Clone()
	pending.ID = models.WrappedKeyRecordID(requesterID, targetID, base.ConversationID, 1)
	pending.Epoch = 1
	pending.Status = models.ExchangeStatusPending
	accepted := base.Clone()
	accepted.ID = models.WrappedKeyRecordID(requesterID, targetID, base.ConversationID, 2)
	accepted.Epoch = 2
	accepted.Status = models.ExchangeStatusAccepted
	lapsed := base.Clone()
	lapsed.ID = models.WrappedKeyRecordID(requesterID, targetID, base.ConversationID, 3)
	lapsed.Epoch = 3
	lapsed.Status = models.ExchangeStatusPending
	lapsed.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	for _, rec := range []models.WrappedKeyRecord{pending, accepted, lapsed} {
		if err := requesterStore.Put(rec); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	// The requester was offline when the records were written; only after
	// connecting does the push recover the live pending one.
	requesterSyncer := NewSyncer(NewClient(DefaultConfig()), requesterStore, requesterID, nil)
	if _, err := requesterSyncer.RebroadcastPending(context.Background()); err == nil {
		t.Fatal("rebroadcast must fail while disconnected")
	}

	requesterSyncer = NewSyncer(startedClient(t), requesterStore, requesterID, nil)
	pushed, err := requesterSyncer.RebroadcastPending(context.Background())
	if err != nil {
		t.Fatalf("rebroadcast: %v", err)
	}
	if pushed != 1 {
		t.Fatalf("pushed = %d, want only the live pending record", pushed)
	}

	targetStore := exchange.NewInMemoryRecordStore()
	targetSyncer := NewSyncer(startedClient(t), targetStore, targetID, nil)
	merged, err := targetSyncer.Resync(context.Background(), time.Now().Add(-time.Minute), 50)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if merged != 1 {
		t.Fatalf("merged = %d, want 1", merged)
	}
	if _, ok, err := targetStore.Get(pending.ID); err != nil || !ok {
		t.Fatalf("pending record not recovered: ok=%v err=%v", ok, err)
	}
}

func TestSyncerKeepsTerminalStatusOnReplay(t *testing.T) {
	selfID := "hush1_syncer_terminal"
	client := startedClient(t)
	store := exchange.NewInMemoryRecordStore()
	syncer := NewSyncer(client, store, selfID, nil)

	rec := models.WrappedKeyRecord{
		ID:          "wrec1_replay",
		RequesterID: "hush1_other",
		TargetID:    selfID,
		Status:      models.ExchangeStatusAccepted,
	}
	if err := store.Put(rec); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	stale := rec.Clone()
	stale.Status = models.ExchangeStatusPending
	syncer.absorb(RecordEnvelope{ID: stale.ID, SenderID: "hush1_other", Recipient: selfID, Record: stale})

	got, ok, err := store.Get(rec.ID)
	if err != nil || !ok {
		t.Fatalf("record lost: ok=%v err=%v", ok, err)
	}
	if got.Status != models.ExchangeStatusAccepted {
		t.Fatalf("terminal status regressed to %q", got.Status)
	}

	// A replayed copy carrying a different terminal status is just as
	// stale: the local accept must survive a clobbering rejected copy.
	stale.Status = models.ExchangeStatusRejected
	syncer.absorb(RecordEnvelope{ID: stale.ID, SenderID: "hush1_other", Recipient: selfID, Record: stale})

	got, ok, err = store.Get(rec.ID)
	if err != nil || !ok {
		t.Fatalf("record lost: ok=%v err=%v", ok, err)
	}
	if got.Status != models.ExchangeStatusAccepted {
		t.Fatalf("terminal status flipped to %q by a replayed copy", got.Status)
	}
}

func TestReplayedPendingPromptsSettledStatusEcho(t *testing.T) {
	requesterID := "hush1_echo_requester"
	targetID := "hush1_echo_target"

	rec := models.WrappedKeyRecord{
		ID:             models.WrappedKeyRecordID(requesterID, targetID, "conv-echo", 1),
		RequesterID:    requesterID,
		TargetID:       targetID,
		ConversationID: "conv-echo",
		Epoch:          1,
		Ciphertext:     []byte{4, 4, 4},
		Status:         models.ExchangeStatusPending,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      time.Now().UTC().Add(24 * time.Hour),
	}

	// The target accepted long ago; the requester missed the status
	// broadcast and still holds its pending copy.
	requesterStore := exchange.NewInMemoryRecordStore()
	if err := requesterStore.Put(rec); err != nil {
		t.Fatalf("seed requester store: %v", err)
	}
	settled := rec.Clone()
	settled.Status = models.ExchangeStatusAccepted
	targetStore := exchange.NewInMemoryRecordStore()
	if err := targetStore.Put(settled); err != nil {
		t.Fatalf("seed target store: %v", err)
	}

	requesterSyncer := NewSyncer(startedClient(t), requesterStore, requesterID, nil)
	if err := requesterSyncer.Start(); err != nil {
		t.Fatalf("requester syncer start: %v", err)
	}
	targetSyncer := NewSyncer(startedClient(t), targetStore, targetID, nil)
	if err := targetSyncer.Start(); err != nil {
		t.Fatalf("target syncer start: %v", err)
	}

	if _, err := requesterSyncer.RebroadcastPending(context.Background()); err != nil {
		t.Fatalf("rebroadcast: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, ok, err := requesterStore.Get(rec.ID)
		if err != nil {
			t.Fatalf("store get: %v", err)
		}
		if ok && got.Status == models.ExchangeStatusAccepted {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("requester never learned the settled status, got %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startedClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(DefaultConfig())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("client start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func waitForState(t *testing.T, c *Client, expected string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if c.Status().State == expected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state=%s, got=%s", expected, c.Status().State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeSyncBackend struct {
	mu        sync.RWMutex
	peerCount int
}

func (f *fakeSyncBackend) Start(_ context.Context, _ Config) error { return nil }
func (f *fakeSyncBackend) Stop()                                   {}
func (f *fakeSyncBackend) NetworkMetrics() map[string]int          { return map[string]int{} }
func (f *fakeSyncBackend) ApplyConfig(_ Config)                    {}
func (f *fakeSyncBackend) SetIdentity(_ string)                    {}
func (f *fakeSyncBackend) ListenAddresses() []string               { return nil }
func (f *fakeSyncBackend) SubscribeRecords(_ func(RecordEnvelope)) error {
	return nil
}
func (f *fakeSyncBackend) PublishRecord(_ context.Context, _ RecordEnvelope) error {
	return nil
}
func (f *fakeSyncBackend) FetchRecordsSince(_ context.Context, _ string, _ time.Time, _ int) ([]RecordEnvelope, error) {
	return nil, nil
}
func (f *fakeSyncBackend) PeerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.peerCount
}
func (f *fakeSyncBackend) setPeerCount(v int) {
	f.mu.Lock()
	f.peerCount = v
	f.mu.Unlock()
}
