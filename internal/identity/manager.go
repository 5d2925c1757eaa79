package identity

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"

	"hush-chat/go-keycore/pkg/models"
)

var (
	ErrPeerKeyUnavailable     = errors.New("peer public key unavailable")
	ErrInvalidParticipant     = errors.New("invalid participant")
	ErrParticipantKeyMismatch = errors.New("participant public key mismatch")
	ErrIdentityMismatch       = errors.New("identity id does not match public key")
)

// RefreshFunc fetches a participant public key from the directory when the
// local cache has no entry. Returning an error leaves the miss in place.
type RefreshFunc func(participantID string) ([]byte, error)

// Manager is the engine's identity key provider: it owns the local X25519
// conversation keypair and caches remote participant public keys.
type Manager struct {
	mu           sync.RWMutex
	identity     models.Identity
	convPriv     []byte
	participants map[string]models.Participant
	refresh      RefreshFunc
	seeds        *SeedManager
}

func NewManager() (*Manager, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	id, err := BuildIdentityID(pub)
	if err != nil {
		return nil, err
	}
	return &Manager{
		identity: models.Identity{
			ID:        id,
			PublicKey: append([]byte(nil), pub...),
		},
		convPriv:     priv,
		participants: make(map[string]models.Participant),
		seeds:        NewSeedManager(),
	}, nil
}

func (m *Manager) CreateIdentity(password string) (models.Identity, string, error) {
	mnemonic, keys, err := m.seeds.Create(password)
	if err != nil {
		return models.Identity{}, "", err
	}
	identity, err := m.adoptKeys(keys)
	if err != nil {
		return models.Identity{}, "", err
	}
	return identity, mnemonic, nil
}

func (m *Manager) ImportIdentity(mnemonic, password string) (models.Identity, error) {
	_, keys, err := m.seeds.Import(mnemonic, password)
	if err != nil {
		return models.Identity{}, err
	}
	return m.adoptKeys(keys)
}

func (m *Manager) adoptKeys(keys *DerivedKeys) (models.Identity, error) {
	id, pub, err := FromKeys(keys)
	if err != nil {
		return models.Identity{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = models.Identity{
		ID:        id,
		PublicKey: pub,
	}
	m.convPriv = append([]byte(nil), keys.ConversationPrivateKey...)
	return models.Identity{
		ID:        id,
		PublicKey: append([]byte(nil), pub...),
	}, nil
}

func (m *Manager) RestorePrivateKey(privateKey []byte) error {
	if len(privateKey) != 32 {
		return ErrInvalidIdentityKey
	}
	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return err
	}
	id, err := BuildIdentityID(pub)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = models.Identity{
		ID:        id,
		PublicKey: pub,
	}
	m.convPriv = append([]byte(nil), privateKey...)
	return nil
}

func (m *Manager) ExportSeed(password string) (string, error) {
	return m.seeds.Export(password)
}

func (m *Manager) ValidateMnemonic(mnemonic string) bool {
	return m.seeds.ValidateMnemonic(mnemonic)
}

func (m *Manager) ChangePassword(oldPassword, newPassword string) error {
	return m.seeds.ChangePassword(oldPassword, newPassword)
}

func (m *Manager) VerifyPassword(password string) error {
	_, err := m.seeds.Export(strings.TrimSpace(password))
	return err
}

func (m *Manager) GetIdentity() models.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.Identity{
		ID:        m.identity.ID,
		PublicKey: append([]byte(nil), m.identity.PublicKey...),
	}
}

// LocalPrivateKey hands out a snapshot copy so the caller cannot mutate the
// manager's own buffer.
func (m *Manager) LocalPrivateKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.convPriv...)
}

// SetRefreshFunc installs the directory lookup used on cache misses.
func (m *Manager) SetRefreshFunc(fn RefreshFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh = fn
}

func (m *Manager) AddParticipant(p models.Participant) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" || len(p.PublicKey) != 32 {
		return ErrInvalidParticipant
	}
	if strings.HasPrefix(p.ID, idPrefix) {
		ok, err := VerifyIdentityID(p.ID, p.PublicKey)
		if err != nil {
			return err
		}
		if !ok {
			return ErrIdentityMismatch
		}
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.participants[p.ID]; ok && len(existing.PublicKey) == 32 {
		if !bytes.Equal(existing.PublicKey, p.PublicKey) {
			return ErrParticipantKeyMismatch
		}
	}
	if p.AddedAt.IsZero() {
		p.AddedAt = time.Now()
	}
	m.participants[p.ID] = p.Clone()
	return nil
}

func (m *Manager) RemoveParticipant(participantID string) error {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return ErrInvalidParticipant
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[participantID]; !ok {
		return ErrInvalidParticipant
	}
	delete(m.participants, participantID)
	return nil
}

func (m *Manager) Participants() []models.Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Participant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, p.Clone())
	}
	return out
}

func (m *Manager) HasParticipant(participantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.participants[participantID]
	return ok
}

// ParticipantPublicKey resolves a participant key from the cache, falling
// back to the directory refresh hook on a miss. A miss after refresh is
// ErrPeerKeyUnavailable, which callers treat as recoverable.
func (m *Manager) ParticipantPublicKey(participantID string) ([]byte, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return nil, ErrInvalidParticipant
	}

	m.mu.RLock()
	p, ok := m.participants[participantID]
	refresh := m.refresh
	m.mu.RUnlock()
	if ok && len(p.PublicKey) == 32 {
		return append([]byte(nil), p.PublicKey...), nil
	}
	if refresh == nil {
		return nil, ErrPeerKeyUnavailable
	}

	pub, err := refresh(participantID)
	if err != nil || len(pub) != 32 {
		return nil, ErrPeerKeyUnavailable
	}
	now := time.Now()
	m.mu.Lock()
	m.participants[participantID] = models.Participant{
		ID:          participantID,
		DisplayName: participantID,
		PublicKey:   append([]byte(nil), pub...),
		AddedAt:     now,
		RefreshedAt: now,
	}
	m.mu.Unlock()
	return append([]byte(nil), pub...), nil
}
