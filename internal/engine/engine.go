// Package engine assembles the key derivation core behind one facade: the
// encrypt/decrypt layer asks it for conversation material and everything
// else, resolution, exchange, rotation, migration, happens behind it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"hush-chat/go-keycore/internal/exchange"
	"hush-chat/go-keycore/internal/groupkey"
	"hush-chat/go-keycore/internal/history"
	"hush-chat/go-keycore/internal/identity"
	"hush-chat/go-keycore/internal/kdf"
	"hush-chat/go-keycore/internal/keycache"
	"hush-chat/go-keycore/internal/migration"
	"hush-chat/go-keycore/internal/pairwise"
	"hush-chat/go-keycore/internal/platform/privacylog"
	"hush-chat/go-keycore/internal/platform/ratelimiter"
	"hush-chat/go-keycore/internal/recordsync"
	"hush-chat/go-keycore/pkg/models"
)

var (
	// ErrKeyNotEstablished tells the caller to render "establishing secure
	// channel" and retry after the exchange settles; it is never permanent.
	ErrKeyNotEstablished   = errors.New("establishing secure channel")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrInvalidConversation = errors.New("invalid conversation membership")
	ErrNotGroup            = errors.New("conversation is not a group")
	ErrNotPairwise         = errors.New("conversation is not pairwise")
)

type conversationState struct {
	kind    string
	epoch   uint64
	members []string
}

type Status struct {
	Identity        models.Identity
	Network         recordsync.Status
	NetworkMetrics  map[string]int
	ListenAddresses []string
	Cache           keycache.Stats
}

// resyncFetchLimit bounds one store catch-up query.
const resyncFetchLimit = 200

// Engine owns the lifecycle of every key-path component for one identity.
type Engine struct {
	mu            sync.RWMutex
	cfg           Config
	logger        *slog.Logger
	identity      *identity.Manager
	cache         *keycache.Cache
	distributor   *groupkey.Distributor
	records       exchange.RecordStore
	exchanges     *exchange.Manager
	client        *recordsync.Client
	syncer        *recordsync.Syncer
	migrator      *migration.Coordinator
	archive       *history.Archive
	conversations map[string]conversationState
}

func New(cfg Config, idm *identity.Manager, passphrase string, logger *slog.Logger) (*Engine, error) {
	cfg = normalize(cfg)
	if logger == nil {
		logger = slog.Default()
	}

	distributor := groupkey.NewDistributor(idm)
	distributor.SetRecordTTL(cfg.RecordTTL)
	distributor.SetIssuanceLimiter(ratelimiter.New(cfg.WrapIssuanceRPS, cfg.WrapIssuanceBurst, time.Hour))

	var (
		records  exchange.RecordStore
		archive  *history.Archive
		migStore migration.RecordStore
		err      error
	)
	if cfg.DataDir != "" {
		records = exchange.NewEncryptedFileRecordStore(filepath.Join(cfg.DataDir, "records.bin"), passphrase)
		if err := distributor.ConfigurePersistence(filepath.Join(cfg.DataDir, "epochs.bin"), passphrase); err != nil {
			return nil, fmt.Errorf("open epoch state: %w", err)
		}
		archive, err = history.NewEncryptedPersistentArchive(filepath.Join(cfg.DataDir, "history.bin"), passphrase)
		if err != nil {
			return nil, fmt.Errorf("open history archive: %w", err)
		}
		migStore, err = migration.NewEncryptedFileRecordStore(filepath.Join(cfg.DataDir, "migrations.bin"), passphrase)
		if err != nil {
			return nil, fmt.Errorf("open migration store: %w", err)
		}
	} else {
		records = exchange.NewInMemoryRecordStore()
		archive = history.NewArchive()
		migStore = migration.NewInMemoryRecordStore()
	}
	archive.SetRetention(cfg.SamplesPerConversation)

	client := recordsync.NewClient(cfg.Network)
	e := &Engine{
		cfg:           cfg,
		logger:        logger,
		identity:      idm,
		cache:         keycache.New(keycache.Config{IdleTTL: cfg.CacheIdleTTL, MaxEntries: cfg.CacheMaxEntries}),
		distributor:   distributor,
		records:       records,
		exchanges:     exchange.NewManager(records, idm, idm, logger),
		client:        client,
		syncer:        recordsync.NewSyncer(client, records, idm.GetIdentity().ID, logger),
		archive:       archive,
		conversations: make(map[string]conversationState),
	}
	e.migrator = migration.NewCoordinator(migStore, archive, e.KeyForSend, logger)

	if cfg.Metrics != nil {
		if err := cfg.Metrics.Register(keycache.NewCollector(e.cache)); err != nil {
			return nil, fmt.Errorf("register cache metrics: %w", err)
		}
	}
	return e, nil
}

// Open connects the record transport, starts absorbing inbound records and
// pulls the records that arrived while this device was offline.
func (e *Engine) Open(ctx context.Context) error {
	if err := e.client.Start(ctx); err != nil {
		return fmt.Errorf("start record sync: %w", err)
	}
	if err := e.syncer.Start(); err != nil {
		return fmt.Errorf("subscribe record sync: %w", err)
	}
	merged, err := e.Resync(ctx, time.Now().Add(-e.cfg.RecordTTL))
	if err != nil {
		// Anything missed here is still recoverable on the next Resync.
		e.logger.Debug("startup resync deferred",
			privacylog.SanitizeArgs("error", err.Error())...)
		return nil
	}
	if merged > 0 {
		e.logger.Info("recovered records missed while offline", "count", merged)
	}
	return nil
}

// Resync reconciles both directions with the transport: still-pending
// records this identity created are re-broadcast first, recovering wraps
// issued while offline, then records addressed to this identity that the
// live subscription missed are pulled and merged. The transport must be
// connected. The returned count covers merged inbound records.
func (e *Engine) Resync(ctx context.Context, since time.Time) (int, error) {
	pushed, err := e.syncer.RebroadcastPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("rebroadcast pending records: %w", err)
	}
	if pushed > 0 {
		e.logger.Info("re-broadcast records issued while offline", "count", pushed)
	}
	return e.syncer.Resync(ctx, since, resyncFetchLimit)
}

// Clear drops every raw key held in memory. Persisted epoch counters and
// records are untouched; keys re-resolve on demand.
func (e *Engine) Clear() {
	e.cache.Clear()
	e.distributor.Clear()
}

func (e *Engine) Shutdown(ctx context.Context) error {
	e.cache.Shutdown()
	e.distributor.Clear()
	return e.client.Stop(ctx)
}

func (e *Engine) Identity() models.Identity {
	return e.identity.GetIdentity()
}

func (e *Engine) Status() Status {
	return Status{
		Identity:        e.identity.GetIdentity(),
		Network:         e.client.Status(),
		NetworkMetrics:  e.client.NetworkMetrics(),
		ListenAddresses: e.client.ListenAddresses(),
		Cache:           e.cache.Stats(),
	}
}

// ApplyNetworkConfig retunes transport connectivity on a running engine
// without restarting it.
func (e *Engine) ApplyNetworkConfig(cfg recordsync.Config) {
	e.client.ApplyNetworkConfig(cfg)
}

// RegisterConversation pins membership for a conversation. Pairwise
// conversations carry exactly one fixed counterpart for their lifetime.
func (e *Engine) RegisterConversation(conv models.Conversation, participants []models.Participant) error {
	conv = models.NormalizeConversation(conv)
	if conv.ID == "" {
		return ErrInvalidConversation
	}
	self := e.identity.GetIdentity()
	members := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.ID == self.ID {
			continue
		}
		if err := e.identity.AddParticipant(p); err != nil {
			return fmt.Errorf("register participant: %w", err)
		}
		members = append(members, p.ID)
	}
	if conv.Kind == models.ConversationKindPairwise && len(members) != 1 {
		return ErrInvalidConversation
	}
	if conv.Kind == models.ConversationKindGroup && len(members) == 0 {
		return ErrInvalidConversation
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	state, exists := e.conversations[conv.ID]
	if !exists {
		state = conversationState{kind: conv.Kind, epoch: conv.CurrentEpoch}
	}
	state.members = members
	e.conversations[conv.ID] = state
	return nil
}

// KeyForSend resolves the active-epoch material for outbound traffic,
// establishing the first group epoch when none exists yet.
func (e *Engine) KeyForSend(ctx context.Context, conversationID string) (kdf.Material, error) {
	state, ok := e.conversationState(conversationID)
	if !ok {
		return kdf.Material{}, ErrUnknownConversation
	}

	if state.kind == models.ConversationKindPairwise {
		return e.cache.GetOrResolve(ctx, conversationID, state.epoch,
			e.pairwiseResolver(conversationID, state.epoch, state.members[0]))
	}

	if rawKey, epoch, held := e.distributor.CurrentRawKey(conversationID); held {
		defer kdf.Zero(rawKey)
		return e.cache.GetOrResolve(ctx, conversationID, epoch, rawKeyResolver(conversationID, epoch, rawKey))
	}

	members, err := e.memberParticipants(state)
	if err != nil {
		return kdf.Material{}, err
	}
	issue, err := e.distributor.CreateEpoch(conversationID, members)
	if err != nil {
		return kdf.Material{}, err
	}
	defer kdf.Zero(issue.RawKey)
	if err := e.publishIssue(ctx, issue); err != nil {
		return kdf.Material{}, err
	}
	return e.cache.GetOrResolve(ctx, conversationID, issue.Epoch,
		rawKeyResolver(conversationID, issue.Epoch, issue.RawKey))
}

// KeyForReceive resolves material for a specific epoch named by inbound
// ciphertext. For groups the epoch key must either be held already or
// arrive as an acceptable wrapped record; until then the caller treats the
// conversation as still establishing.
func (e *Engine) KeyForReceive(ctx context.Context, conversationID string, epoch uint64) (kdf.Material, error) {
	state, ok := e.conversationState(conversationID)
	if !ok {
		return kdf.Material{}, ErrUnknownConversation
	}

	if state.kind == models.ConversationKindPairwise {
		return e.cache.GetOrResolve(ctx, conversationID, epoch,
			e.pairwiseResolver(conversationID, epoch, state.members[0]))
	}

	return e.cache.GetOrResolve(ctx, conversationID, epoch, func(ctx context.Context) (kdf.Material, error) {
		if rawKey, held, heldOK := e.distributor.CurrentRawKey(conversationID); heldOK && held == epoch {
			defer kdf.Zero(rawKey)
			return kdf.DeriveMaterial(rawKey, conversationID, epoch)
		}
		rawKey, err := e.acceptEpochRecord(ctx, conversationID, epoch)
		if err != nil {
			return kdf.Material{}, err
		}
		defer kdf.Zero(rawKey)
		return kdf.DeriveMaterial(rawKey, conversationID, epoch)
	})
}

// acceptEpochRecord hunts the pending records addressed to self for the
// wanted (conversation, epoch) wrap and accepts it.
func (e *Engine) acceptEpochRecord(ctx context.Context, conversationID string, epoch uint64) ([]byte, error) {
	pending, err := e.exchanges.PendingForSelf(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range pending {
		if rec.ConversationID != conversationID || rec.Epoch != epoch {
			continue
		}
		rawKey, accepted, err := e.exchanges.Accept(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		e.commitAccepted(ctx, accepted, rawKey)
		return rawKey, nil
	}
	return nil, ErrKeyNotEstablished
}

func (e *Engine) commitAccepted(ctx context.Context, rec models.WrappedKeyRecord, rawKey []byte) {
	if err := e.distributor.AdoptKey(rec.ConversationID, rec.Epoch, rawKey); err != nil {
		e.logger.Warn("failed to adopt accepted key",
			privacylog.SanitizeArgs(
				"conversation_id", rec.ConversationID,
				"epoch", rec.Epoch,
				"error", err.Error(),
			)...)
	}
	e.setEpochFloor(rec.ConversationID, rec.Epoch)
	if err := e.syncer.Broadcast(ctx, rec); err != nil {
		e.logger.Debug("status broadcast deferred",
			privacylog.SanitizeArgs("record_id", rec.ID, "error", err.Error())...)
	}
}

// RotateGroup issues a fresh epoch for forward secrecy.
func (e *Engine) RotateGroup(ctx context.Context, conversationID string) (uint64, error) {
	state, ok := e.conversationState(conversationID)
	if !ok {
		return 0, ErrUnknownConversation
	}
	if state.kind != models.ConversationKindGroup {
		return 0, ErrNotGroup
	}
	members, err := e.memberParticipants(state)
	if err != nil {
		return 0, err
	}
	issue, err := e.distributor.Rotate(conversationID, members)
	if err != nil {
		return 0, err
	}
	kdf.Zero(issue.RawKey)
	if err := e.publishIssue(ctx, issue); err != nil {
		return 0, err
	}
	return issue.Epoch, nil
}

// BumpPairwiseEpoch rotates a pairwise conversation: both sides re-derive
// the new epoch independently, no records change hands.
func (e *Engine) BumpPairwiseEpoch(conversationID string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.conversations[conversationID]
	if !ok {
		return 0, ErrUnknownConversation
	}
	if state.kind != models.ConversationKindPairwise {
		return 0, ErrNotPairwise
	}
	state.epoch++
	e.conversations[conversationID] = state
	return state.epoch, nil
}

// AddGroupMember grants the newcomer the current epoch key without
// rotating.
func (e *Engine) AddGroupMember(ctx context.Context, conversationID string, p models.Participant) error {
	state, ok := e.conversationState(conversationID)
	if !ok {
		return ErrUnknownConversation
	}
	if state.kind != models.ConversationKindGroup {
		return ErrNotGroup
	}
	if err := e.identity.AddParticipant(p); err != nil {
		return err
	}
	rec, err := e.distributor.AddParticipant(conversationID, p)
	if err != nil {
		return err
	}
	if err := e.publishRecord(ctx, rec); err != nil {
		return err
	}

	e.mu.Lock()
	state = e.conversations[conversationID]
	if !containsString(state.members, p.ID) {
		state.members = append(state.members, p.ID)
		e.conversations[conversationID] = state
	}
	e.mu.Unlock()
	return nil
}

// RemoveGroupMember drops the member and rotates immediately so the new
// epoch never reaches them. Their readability of past messages is not
// revoked.
func (e *Engine) RemoveGroupMember(ctx context.Context, conversationID, participantID string) (uint64, error) {
	state, ok := e.conversationState(conversationID)
	if !ok {
		return 0, ErrUnknownConversation
	}
	if state.kind != models.ConversationKindGroup {
		return 0, ErrNotGroup
	}

	e.mu.Lock()
	state = e.conversations[conversationID]
	kept := make([]string, 0, len(state.members))
	for _, id := range state.members {
		if id != participantID {
			kept = append(kept, id)
		}
	}
	state.members = kept
	e.conversations[conversationID] = state
	e.mu.Unlock()

	members, err := e.memberParticipants(state)
	if err != nil {
		return 0, err
	}
	issue, err := e.distributor.RemoveParticipant(conversationID, participantID, members)
	if err != nil {
		return 0, err
	}
	kdf.Zero(issue.RawKey)
	if err := e.publishIssue(ctx, issue); err != nil {
		return 0, err
	}
	return issue.Epoch, nil
}

// PendingExchanges lists actionable records addressed to this identity.
func (e *Engine) PendingExchanges(ctx context.Context) ([]models.WrappedKeyRecord, error) {
	return e.exchanges.PendingForSelf(ctx)
}

// AcceptExchange unwraps a record and commits its key as the conversation's
// current epoch key.
func (e *Engine) AcceptExchange(ctx context.Context, recordID string) (models.WrappedKeyRecord, error) {
	rawKey, rec, err := e.exchanges.Accept(ctx, recordID)
	if err != nil {
		return rec, err
	}
	e.commitAccepted(ctx, rec, rawKey)
	kdf.Zero(rawKey)
	return rec, nil
}

// RejectExchange terminally rejects a pending record.
func (e *Engine) RejectExchange(ctx context.Context, recordID string) (models.WrappedKeyRecord, error) {
	rec, err := e.exchanges.Reject(ctx, recordID)
	if err != nil {
		return rec, err
	}
	if err := e.syncer.Broadcast(ctx, rec); err != nil {
		e.logger.Debug("status broadcast deferred",
			privacylog.SanitizeArgs("record_id", rec.ID, "error", err.Error())...)
	}
	return rec, nil
}

// MigrateConversation verifies the derived key against the legacy one and
// records the outcome. A Failed result leaves the legacy path usable.
func (e *Engine) MigrateConversation(ctx context.Context, conversationID string, legacyKey []byte) (models.MigrationRecord, error) {
	return e.migrator.MigrateIfNeeded(ctx, conversationID, legacyKey)
}

// RecordCiphertextSample retains one ciphertext for migration verification.
func (e *Engine) RecordCiphertextSample(sample models.CiphertextSample) error {
	return e.archive.Record(sample)
}

func (e *Engine) conversationState(conversationID string) (conversationState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.conversations[conversationID]
	return state, ok
}

// setEpochFloor keeps the registry's pairwise-style epoch tracking in step
// with group epochs adopted from records.
func (e *Engine) setEpochFloor(conversationID string, epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.conversations[conversationID]
	if ok && epoch > state.epoch {
		state.epoch = epoch
		e.conversations[conversationID] = state
	}
}

func (e *Engine) memberParticipants(state conversationState) ([]models.Participant, error) {
	out := make([]models.Participant, 0, len(state.members))
	for _, id := range state.members {
		key, err := e.identity.ParticipantPublicKey(id)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Participant{ID: id, PublicKey: key})
	}
	return out, nil
}

func (e *Engine) publishIssue(ctx context.Context, issue groupkey.EpochIssue) error {
	for _, rec := range issue.Records {
		if err := e.publishRecord(ctx, rec); err != nil {
			return err
		}
	}
	e.setEpochFloor(issue.ConversationID, issue.Epoch)
	return nil
}

func (e *Engine) publishRecord(ctx context.Context, rec models.WrappedKeyRecord) error {
	if err := e.exchanges.Publish(ctx, rec); err != nil {
		return err
	}
	if err := e.syncer.Broadcast(ctx, rec); err != nil {
		// The transport may be offline; the store copy still syncs later.
		e.logger.Debug("record broadcast deferred",
			privacylog.SanitizeArgs("record_id", rec.ID, "error", err.Error())...)
	}
	return nil
}

func (e *Engine) pairwiseResolver(conversationID string, epoch uint64, peerID string) keycache.Resolver {
	return func(ctx context.Context) (kdf.Material, error) {
		peerKey, err := e.identity.ParticipantPublicKey(peerID)
		if err != nil {
			return kdf.Material{}, err
		}
		priv := e.identity.LocalPrivateKey()
		defer kdf.Zero(priv)
		return pairwise.Resolve(conversationID, epoch, priv, peerKey)
	}
}

func rawKeyResolver(conversationID string, epoch uint64, rawKey []byte) keycache.Resolver {
	held := append([]byte(nil), rawKey...)
	return func(ctx context.Context) (kdf.Material, error) {
		defer kdf.Zero(held)
		return kdf.DeriveMaterial(held, conversationID, epoch)
	}
}

func containsString(in []string, want string) bool {
	for _, s := range in {
		if s == want {
			return true
		}
	}
	return false
}
