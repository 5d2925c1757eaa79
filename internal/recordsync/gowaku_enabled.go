//go:build real_waku

package recordsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"

	"hush-chat/go-keycore/pkg/models"
)

const (
	recordPubsubTopic  = "/waku/2/default-waku/proto"
	recordContentTopic = "/hush-keycore/1/key-record/proto"
)

var errNodeStopped = errors.New("waku node is not running")

// wakuBackend relays record envelopes over a go-waku node and answers
// catch-up queries from store peers.
type wakuBackend struct {
	mu        sync.RWMutex
	node      *wakuNode.WakuNode
	selfID    string
	cfg       Config
	bootstrap []string

	redialCancel context.CancelFunc
	redialWG     sync.WaitGroup

	dialAttempts   atomic.Int64
	dialSuccesses  atomic.Int64
	dialFailures   atomic.Int64
	storeFailovers atomic.Int64
	storeFailures  atomic.Int64
}

func newGoWakuBackend() syncBackend { return &wakuBackend{} }

func nodeOptions(cfg Config) ([]wakuNode.WakuNodeOption, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, err
	}
	opts := []wakuNode.WakuNodeOption{wakuNode.WithHostAddress(hostAddr)}
	if cfg.EnableRelay {
		opts = append(opts, wakuNode.WithWakuRelay())
	}
	if cfg.EnableStore {
		provider, err := newStoreProvider()
		if err != nil {
			return nil, err
		}
		opts = append(opts, wakuNode.WithMessageProvider(provider), wakuNode.WithWakuStore())
	}
	if cfg.EnableFilter {
		opts = append(opts, wakuNode.WithWakuFilterLightNode(), wakuNode.WithWakuFilterFullNode())
	}
	if cfg.EnableLightPush {
		opts = append(opts, wakuNode.WithLightPush())
	}
	return opts, nil
}

func (w *wakuBackend) Start(ctx context.Context, cfg Config) error {
	opts, err := nodeOptions(cfg)
	if err != nil {
		return err
	}
	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	for _, addr := range cfg.BootstrapNodes {
		_ = node.DialPeer(ctx, addr)
	}

	w.mu.Lock()
	w.node = node
	w.cfg = cfg
	w.bootstrap = append([]string(nil), cfg.BootstrapNodes...)
	w.mu.Unlock()
	if cfg.StoreFailover {
		w.startRedialLoop()
	}
	return nil
}

func (w *wakuBackend) Stop() {
	w.stopRedialLoop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.node != nil {
		w.node.Stop()
		w.node = nil
	}
}

func (w *wakuBackend) currentNode() *wakuNode.WakuNode {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.node
}

func (w *wakuBackend) PeerCount() int {
	node := w.currentNode()
	if node == nil {
		return 0
	}
	return node.PeerCount()
}

func (w *wakuBackend) NetworkMetrics() map[string]int {
	return map[string]int{
		"dial_attempts":        int(w.dialAttempts.Load()),
		"dial_success":         int(w.dialSuccesses.Load()),
		"dial_failures":        int(w.dialFailures.Load()),
		"store_query_failover": int(w.storeFailovers.Load()),
		"store_query_failures": int(w.storeFailures.Load()),
	}
}

func (w *wakuBackend) ApplyConfig(cfg Config) {
	w.mu.Lock()
	w.cfg.MinPeers = cfg.MinPeers
	w.cfg.ReconnectInterval = cfg.ReconnectInterval
	w.cfg.ReconnectBackoffMax = cfg.ReconnectBackoffMax
	w.cfg.StoreFailover = cfg.StoreFailover
	w.cfg.StoreQueryFanout = cfg.StoreQueryFanout
	w.bootstrap = append([]string(nil), cfg.BootstrapNodes...)
	w.mu.Unlock()

	if cfg.StoreFailover {
		w.startRedialLoop()
		return
	}
	w.stopRedialLoop()
}

func (w *wakuBackend) SetIdentity(identityID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.selfID = identityID
}

func (w *wakuBackend) ListenAddresses() []string {
	node := w.currentNode()
	if node == nil {
		return nil
	}
	addrs := node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

// decodeEnvelope parses a relay payload and enforces record routing: an
// envelope is only usable by a recipient the record itself names as
// requester or target.
func decodeEnvelope(payload []byte, recipient string) (RecordEnvelope, bool) {
	var env RecordEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return RecordEnvelope{}, false
	}
	if env.Recipient != recipient {
		return RecordEnvelope{}, false
	}
	if env.Record.TargetID != recipient && env.Record.RequesterID != recipient {
		return RecordEnvelope{}, false
	}
	return env, true
}

func (w *wakuBackend) SubscribeRecords(handler func(RecordEnvelope)) error {
	w.mu.RLock()
	node := w.node
	selfID := w.selfID
	w.mu.RUnlock()
	if node == nil {
		return errNodeStopped
	}
	if selfID == "" {
		return errors.New("identity is not set")
	}

	filter := protocol.NewContentFilter(recordPubsubTopic, recordContentTopic)
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go relayLoop(sub, selfID, handler)
	}
	return nil
}

func relayLoop(sub *relay.Subscription, selfID string, handler func(RecordEnvelope)) {
	for wakuEnv := range sub.Ch {
		if wakuEnv == nil || wakuEnv.Message() == nil {
			continue
		}
		if env, ok := decodeEnvelope(wakuEnv.Message().Payload, selfID); ok {
			handler(env)
		}
	}
}

func (w *wakuBackend) PublishRecord(ctx context.Context, env RecordEnvelope) error {
	node := w.currentNode()
	if node == nil {
		return errNodeStopped
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: recordContentTopic,
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(recordPubsubTopic))
	return err
}

func (w *wakuBackend) FetchRecordsSince(ctx context.Context, recipient string, since time.Time, limit int) ([]RecordEnvelope, error) {
	node := w.currentNode()
	if node == nil {
		return nil, errNodeStopped
	}
	if recipient == "" {
		return nil, errors.New("recipient is required")
	}
	if limit <= 0 {
		limit = 100
	}

	start := since.UnixNano()
	end := time.Now().UnixNano()
	criteria := legacyStore.Query{
		PubsubTopic:   recordPubsubTopic,
		ContentTopics: []string{recordContentTopic},
		StartTime:     &start,
		EndTime:       &end,
	}

	w.mu.RLock()
	peers := storeQueryPeers(w.bootstrap, w.cfg.StoreQueryFanout)
	failover := w.cfg.StoreFailover
	w.mu.RUnlock()
	if !failover && len(peers) > 1 {
		peers = peers[:1]
	}

	result, attempt, err := w.queryStorePeers(ctx, node, criteria, peers, limit)
	if err != nil {
		return nil, err
	}
	if attempt > 1 {
		w.storeFailovers.Add(1)
		slog.Info("store query recovered via failover", "attempt", attempt)
	}

	merge := newRecordMerger(recipient)
	merge.consume(result.Messages)
	for !result.IsComplete() && merge.len() < limit {
		if result, err = node.LegacyStore().Next(ctx, result); err != nil {
			return nil, err
		}
		merge.consume(result.Messages)
	}
	return merge.envelopes(limit), nil
}

type storePeer struct {
	addr  ma.Multiaddr
	label string
}

// storeQueryPeers picks up to fanout distinct bootstrap peers to fan the
// query across, plus one unpinned attempt that lets go-waku route itself.
func storeQueryPeers(bootstrap []string, fanout int) []storePeer {
	if fanout <= 0 {
		fanout = 1
	}
	peers := make([]storePeer, 0, min(len(bootstrap), fanout)+1)
	seen := make(map[string]struct{}, len(bootstrap))
	for _, raw := range bootstrap {
		if len(peers) >= fanout {
			break
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			continue
		}
		peers = append(peers, storePeer{addr: addr, label: raw})
	}
	return append(peers, storePeer{label: "auto"})
}

func (w *wakuBackend) queryStorePeers(ctx context.Context, node *wakuNode.WakuNode, criteria legacyStore.Query, peers []storePeer, limit int) (*legacyStore.Result, int, error) {
	var lastErr error
	for i, peer := range peers {
		opts := []legacyStore.HistoryRequestOption{legacyStore.WithPaging(true, uint64(limit))}
		if peer.addr != nil {
			opts = append(opts, legacyStore.WithPeerAddr(peer.addr))
		}
		result, err := node.LegacyStore().Query(ctx, criteria, opts...)
		if err == nil {
			return result, i + 1, nil
		}
		w.storeFailures.Add(1)
		slog.Warn("store query attempt failed", "peer_addr", peer.label, "attempt", i+1, "reason", err.Error())
		lastErr = err
	}
	return nil, 0, lastErr
}

// recordMerger collapses store responses onto record identity. Reissued
// copies of one record share a deterministic ID, so a page carrying a
// terminal status supersedes a pending copy, never the other way around.
type recordMerger struct {
	recipient string
	byID      map[string]RecordEnvelope
}

func newRecordMerger(recipient string) *recordMerger {
	return &recordMerger{recipient: recipient, byID: map[string]RecordEnvelope{}}
}

func (m *recordMerger) consume(messages []*wpb.WakuMessage) {
	for _, wm := range messages {
		if wm == nil {
			continue
		}
		env, ok := decodeEnvelope(wm.Payload, m.recipient)
		if !ok {
			continue
		}
		key := env.Record.ID
		if key == "" {
			key = env.ID
		}
		if held, exists := m.byID[key]; exists && !supersedes(env.Record, held.Record) {
			continue
		}
		m.byID[key] = env
	}
}

func (m *recordMerger) len() int { return len(m.byID) }

// envelopes returns the merged set ordered by record creation time so the
// caller absorbs epochs in the order they were issued.
func (m *recordMerger) envelopes(limit int) []RecordEnvelope {
	out := make([]RecordEnvelope, 0, len(m.byID))
	for _, env := range m.byID {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Record, out[j].Record
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func supersedes(incoming, held models.WrappedKeyRecord) bool {
	return models.TerminalStatus(incoming.Status) && !models.TerminalStatus(held.Status)
}

func (w *wakuBackend) startRedialLoop() {
	w.mu.Lock()
	if w.redialCancel != nil {
		w.redialCancel()
		w.redialCancel = nil
	}
	if len(w.bootstrap) == 0 || w.node == nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.redialCancel = cancel
	cfg := w.cfg
	w.redialWG.Add(1)
	w.mu.Unlock()

	go w.redialLoop(ctx, cfg)
}

func (w *wakuBackend) stopRedialLoop() {
	w.mu.Lock()
	cancel := w.redialCancel
	w.redialCancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		w.redialWG.Wait()
	}
}

// redialLoop keeps the peer set above the configured floor, holding off with
// doubling jittered waits while every bootstrap peer stays unreachable.
func (w *wakuBackend) redialLoop(ctx context.Context, cfg Config) {
	defer w.redialWG.Done()
	ticker := time.NewTicker(cfg.ReconnectInterval)
	defer ticker.Stop()
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	wait := cfg.ReconnectInterval
	holdUntil := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Now().Before(holdUntil) {
			continue
		}
		if !w.belowPeerTarget() {
			wait = cfg.ReconnectInterval
			holdUntil = time.Now()
			continue
		}
		if w.redialBootstrap(ctx, rnd) || !w.belowPeerTarget() {
			wait = cfg.ReconnectInterval
			holdUntil = time.Now()
			continue
		}
		wait = nextRedialWait(wait, cfg.ReconnectBackoffMax)
		holdUntil = time.Now().Add(wait + redialJitter(rnd, wait))
	}
}

func nextRedialWait(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		next = limit
	}
	if next <= 0 {
		next = time.Second
	}
	return next
}

func redialJitter(rnd *rand.Rand, wait time.Duration) time.Duration {
	if wait < 2 {
		return 0
	}
	return time.Duration(rnd.Int63n(int64(wait / 2)))
}

// belowPeerTarget compares the live peer count to the configured MinPeers,
// clamped to the number of bootstrap peers actually known.
func (w *wakuBackend) belowPeerTarget() bool {
	w.mu.RLock()
	node := w.node
	bootstrap := len(w.bootstrap)
	target := w.cfg.MinPeers
	w.mu.RUnlock()
	if node == nil || bootstrap == 0 {
		return false
	}
	if target <= 0 {
		target = min(bootstrap, 2)
	}
	if target > bootstrap {
		target = bootstrap
	}
	return node.PeerCount() < target
}

func (w *wakuBackend) redialBootstrap(ctx context.Context, rnd *rand.Rand) bool {
	w.mu.RLock()
	node := w.node
	addrs := append([]string(nil), w.bootstrap...)
	w.mu.RUnlock()
	if node == nil || len(addrs) == 0 {
		return false
	}
	rnd.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })

	dialed := false
	for i, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		w.dialAttempts.Add(1)
		if err := node.DialPeer(ctx, addr); err != nil {
			w.dialFailures.Add(1)
			slog.Warn("peer redial failed", "peer_addr", addr, "attempt", i+1, "reason", err.Error())
			continue
		}
		w.dialSuccesses.Add(1)
		dialed = true
		slog.Info("peer redial succeeded", "peer_addr", addr, "attempt", i+1)
	}
	return dialed
}

func newStoreProvider() (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	return persistence.NewDBStore(
		prometheus.DefaultRegisterer,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}
