package groupkey

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"hush-chat/go-keycore/internal/kdf"
	"hush-chat/go-keycore/internal/platform/ratelimiter"
	"hush-chat/go-keycore/pkg/models"
)

var (
	ErrNoRemoteParticipants = errors.New("group has no remote participants")
	ErrEpochKeyUnavailable  = errors.New("current epoch key is not held locally")
	ErrWrapIssuanceLimited  = errors.New("wrap issuance rate limited")
)

// DefaultRecordTTL is how long a wrapped record stays acceptable before lazy
// expiry treats it as dead.
const DefaultRecordTTL = 24 * time.Hour

// KeyProvider is the slice of the identity manager the distributor needs.
type KeyProvider interface {
	GetIdentity() models.Identity
	LocalPrivateKey() []byte
}

// EpochIssue is the outcome of creating one epoch: the locally held raw key
// plus one pending record per remote participant.
type EpochIssue struct {
	ConversationID string
	Epoch          uint64
	RawKey         []byte
	Records        []models.WrappedKeyRecord
}

type epochKey struct {
	epoch  uint64
	rawKey []byte
}

// Distributor owns group conversation epochs. Epoch counters survive
// restarts through the state store; raw keys live in memory only.
type Distributor struct {
	mu       sync.Mutex
	provider KeyProvider
	epochs   map[string]uint64
	keys     map[string]epochKey
	store    *EpochStateStore
	limiter  *ratelimiter.MapLimiter
	ttl      time.Duration
	now      func() time.Time
}

func NewDistributor(provider KeyProvider) *Distributor {
	return &Distributor{
		provider: provider,
		epochs:   make(map[string]uint64),
		keys:     make(map[string]epochKey),
		store:    &EpochStateStore{},
		ttl:      DefaultRecordTTL,
		now:      time.Now,
	}
}

// ConfigurePersistence loads previously persisted epoch counters and keeps
// persisting to the same encrypted file from now on.
func (d *Distributor) ConfigurePersistence(path, secret string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store.Configure(path, secret)
	epochs, err := d.store.Bootstrap()
	if err != nil {
		return err
	}
	for conv, epoch := range epochs {
		if epoch > d.epochs[conv] {
			d.epochs[conv] = epoch
		}
	}
	return nil
}

// SetIssuanceLimiter bounds wrap-record issuance per target identity.
func (d *Distributor) SetIssuanceLimiter(l *ratelimiter.MapLimiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limiter = l
}

func (d *Distributor) SetRecordTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ttl = ttl
}

// CreateEpoch generates a fresh random conversation key, advances the epoch
// and wraps the key once per remote participant.
func (d *Distributor) CreateEpoch(conversationID string, participants []models.Participant) (EpochIssue, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return EpochIssue{}, kdf.ErrInvalidKeyMaterial
	}
	self := d.provider.GetIdentity()
	remote := make([]models.Participant, 0, len(participants))
	for _, p := range participants {
		if p.ID == self.ID {
			continue
		}
		remote = append(remote, p)
	}
	if len(remote) == 0 {
		return EpochIssue{}, ErrNoRemoteParticipants
	}

	rawKey := make([]byte, kdf.KeySize)
	if _, err := rand.Read(rawKey); err != nil {
		return EpochIssue{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	epoch := d.epochs[conversationID] + 1
	if epoch < models.FirstEpoch {
		epoch = models.FirstEpoch
	}
	now := d.now()
	if d.limiter != nil {
		// All or nothing: a partially limited issue must not burn the
		// unlimited targets' budgets before aborting.
		targets := make([]string, 0, len(remote))
		for _, p := range remote {
			targets = append(targets, p.ID)
		}
		if !d.limiter.AllowAll(targets, now) {
			return EpochIssue{}, ErrWrapIssuanceLimited
		}
	}

	priv := d.provider.LocalPrivateKey()
	defer kdf.Zero(priv)

	records := make([]models.WrappedKeyRecord, 0, len(remote))
	for _, p := range remote {
		wrappingKey, err := DeriveWrappingKey(priv, p.PublicKey, conversationID, epoch)
		if err != nil {
			return EpochIssue{}, err
		}
		ciphertext, err := WrapKey(rawKey, wrappingKey, conversationID, epoch, self.ID, p.ID)
		kdf.Zero(wrappingKey)
		if err != nil {
			return EpochIssue{}, err
		}
		records = append(records, models.WrappedKeyRecord{
			ID:             models.WrappedKeyRecordID(self.ID, p.ID, conversationID, epoch),
			RequesterID:    self.ID,
			TargetID:       p.ID,
			ConversationID: conversationID,
			Epoch:          epoch,
			Ciphertext:     ciphertext,
			Status:         models.ExchangeStatusPending,
			CreatedAt:      now,
			ExpiresAt:      now.Add(d.ttl),
		})
	}

	d.epochs[conversationID] = epoch
	d.keys[conversationID] = epochKey{epoch: epoch, rawKey: append([]byte(nil), rawKey...)}
	if err := d.store.Persist(cloneEpochs(d.epochs)); err != nil {
		return EpochIssue{}, err
	}

	return EpochIssue{
		ConversationID: conversationID,
		Epoch:          epoch,
		RawKey:         rawKey,
		Records:        records,
	}, nil
}

// AddParticipant re-wraps the current epoch key for one newcomer without
// rotating. Joining mid-epoch grants the active key only.
func (d *Distributor) AddParticipant(conversationID string, p models.Participant) (models.WrappedKeyRecord, error) {
	self := d.provider.GetIdentity()
	if p.ID == self.ID || len(p.PublicKey) != 32 {
		return models.WrappedKeyRecord{}, kdf.ErrInvalidKeyMaterial
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	held, ok := d.keys[conversationID]
	if !ok || held.epoch != d.epochs[conversationID] {
		return models.WrappedKeyRecord{}, ErrEpochKeyUnavailable
	}
	now := d.now()
	if d.limiter != nil && !d.limiter.Allow(p.ID, now) {
		return models.WrappedKeyRecord{}, ErrWrapIssuanceLimited
	}

	priv := d.provider.LocalPrivateKey()
	defer kdf.Zero(priv)

	wrappingKey, err := DeriveWrappingKey(priv, p.PublicKey, conversationID, held.epoch)
	if err != nil {
		return models.WrappedKeyRecord{}, err
	}
	defer kdf.Zero(wrappingKey)
	ciphertext, err := WrapKey(held.rawKey, wrappingKey, conversationID, held.epoch, self.ID, p.ID)
	if err != nil {
		return models.WrappedKeyRecord{}, err
	}

	return models.WrappedKeyRecord{
		ID:             models.WrappedKeyRecordID(self.ID, p.ID, conversationID, held.epoch),
		RequesterID:    self.ID,
		TargetID:       p.ID,
		ConversationID: conversationID,
		Epoch:          held.epoch,
		Ciphertext:     ciphertext,
		Status:         models.ExchangeStatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(d.ttl),
	}, nil
}

// Rotate issues a fresh epoch with a fresh key. Previous-epoch material can
// never decrypt traffic from the new epoch.
func (d *Distributor) Rotate(conversationID string, participants []models.Participant) (EpochIssue, error) {
	return d.CreateEpoch(conversationID, participants)
}

// RemoveParticipant rotates immediately so the removed member receives no
// record for the new epoch. History readability is not revoked.
func (d *Distributor) RemoveParticipant(conversationID, removedID string, remaining []models.Participant) (EpochIssue, error) {
	kept := make([]models.Participant, 0, len(remaining))
	for _, p := range remaining {
		if p.ID == removedID {
			continue
		}
		kept = append(kept, p)
	}
	return d.CreateEpoch(conversationID, kept)
}

func (d *Distributor) CurrentEpoch(conversationID string) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	epoch, ok := d.epochs[conversationID]
	return epoch, ok
}

// CurrentRawKey returns a copy of the locally held key for the conversation's
// current epoch, if this process created or accepted it.
func (d *Distributor) CurrentRawKey(conversationID string) ([]byte, uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	held, ok := d.keys[conversationID]
	if !ok || held.epoch != d.epochs[conversationID] {
		return nil, 0, false
	}
	return append([]byte(nil), held.rawKey...), held.epoch, true
}

// AdoptKey commits an unwrapped key as the conversation's current epoch key,
// used on the accepting side after a successful unwrap.
func (d *Distributor) AdoptKey(conversationID string, epoch uint64, rawKey []byte) error {
	if len(rawKey) != kdf.KeySize {
		return kdf.ErrInvalidKeyMaterial
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if epoch < d.epochs[conversationID] {
		// A stale record must never roll the conversation backwards.
		return nil
	}
	if prev, ok := d.keys[conversationID]; ok && prev.epoch < epoch {
		kdf.Zero(prev.rawKey)
	}
	d.epochs[conversationID] = epoch
	d.keys[conversationID] = epochKey{epoch: epoch, rawKey: append([]byte(nil), rawKey...)}
	return d.store.Persist(cloneEpochs(d.epochs))
}

// Clear wipes held raw keys, keeping persisted epoch counters.
func (d *Distributor) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for conv, held := range d.keys {
		kdf.Zero(held.rawKey)
		delete(d.keys, conv)
	}
}

func cloneEpochs(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
