// Package migration drives the one-time cut-over of conversations whose
// symmetric key was once stored in plaintext on the server. The legacy key
// stays usable until the locally derived replacement proves it decrypts
// everything the legacy key decrypts.
package migration

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"hush-chat/go-keycore/internal/kdf"
	"hush-chat/go-keycore/internal/platform/privacylog"
	"hush-chat/go-keycore/pkg/models"
)

var (
	ErrMigrationEquivalenceFailed = errors.New("migration equivalence check failed")
	ErrInvalidLegacyKey           = errors.New("invalid legacy key")
)

const (
	DefaultSampleWindow = 8

	fingerprintDomain = "hush/legacyfp/v1"
)

// Sampler supplies recent ciphertexts for equivalence verification.
// history.Archive satisfies it.
type Sampler interface {
	Recent(conversationID string, k int) []models.CiphertextSample
}

// ResolveFunc derives the replacement key material for a conversation
// through the normal pairwise or group path.
type ResolveFunc func(ctx context.Context, conversationID string) (kdf.Material, error)

// LegacyKeyFingerprint identifies a legacy key without retaining it.
func LegacyKeyFingerprint(legacyKey []byte) string {
	h, _ := blake2b.New256([]byte(fingerprintDomain))
	h.Write(legacyKey)
	return "lfp1_" + hex.EncodeToString(h.Sum(nil))
}

type Coordinator struct {
	mu           sync.Mutex
	store        RecordStore
	samples      Sampler
	resolve      ResolveFunc
	logger       *slog.Logger
	now          func() time.Time
	sampleWindow int
}

func NewCoordinator(store RecordStore, samples Sampler, resolve ResolveFunc, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:        store,
		samples:      samples,
		resolve:      resolve,
		logger:       logger,
		now:          time.Now,
		sampleWindow: DefaultSampleWindow,
	}
}

// MigrateIfNeeded verifies that locally derived material can replace the
// legacy key for one conversation. Completed is permanent for a given legacy
// key; Failed is retried on the next call. The legacy key itself is never
// persisted, only its fingerprint.
func (c *Coordinator) MigrateIfNeeded(ctx context.Context, conversationID string, legacyKey []byte) (models.MigrationRecord, error) {
	if len(legacyKey) == 0 {
		record, ok := c.lookup(conversationID)
		if !ok {
			record = models.MigrationRecord{
				ConversationID: conversationID,
				Status:         models.MigrationStatusNotStarted,
			}
		}
		return record, nil
	}
	if len(legacyKey) != chacha20poly1305.KeySize {
		return models.MigrationRecord{}, fmt.Errorf("%w: got %d bytes", ErrInvalidLegacyKey, len(legacyKey))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fingerprint := LegacyKeyFingerprint(legacyKey)
	record, ok := c.store.Get(conversationID)
	if ok && record.Status == models.MigrationStatusCompleted && record.LegacyKeyFingerprint == fingerprint {
		return record, nil
	}

	record = models.MigrationRecord{
		ConversationID:       conversationID,
		LegacyKeyFingerprint: fingerprint,
		Status:               models.MigrationStatusVerifying,
	}
	if err := c.store.Put(record); err != nil {
		return models.MigrationRecord{}, fmt.Errorf("persist migration record: %w", err)
	}

	material, err := c.resolve(ctx, conversationID)
	if err != nil {
		record.Status = models.MigrationStatusFailed
		if putErr := c.store.Put(record); putErr != nil {
			return models.MigrationRecord{}, fmt.Errorf("persist migration record: %w", putErr)
		}
		c.logger.Warn("migration key derivation failed",
			privacylog.SanitizeArgs(
				"conversation_id", conversationID,
				"legacy_fingerprint", fingerprint,
				"error", err.Error(),
			)...)
		return record, fmt.Errorf("derive replacement key: %w", err)
	}
	defer material.Zero()

	if !c.equivalentLocked(conversationID, legacyKey, material.MessageKey) {
		record.Status = models.MigrationStatusFailed
		if putErr := c.store.Put(record); putErr != nil {
			return models.MigrationRecord{}, fmt.Errorf("persist migration record: %w", putErr)
		}
		c.logger.Warn("migration equivalence check failed",
			privacylog.SanitizeArgs(
				"category", "security",
				"conversation_id", conversationID,
				"legacy_fingerprint", fingerprint,
			)...)
		return record, ErrMigrationEquivalenceFailed
	}

	record.Status = models.MigrationStatusCompleted
	record.VerifiedAt = c.now().UTC()
	if err := c.store.Put(record); err != nil {
		return models.MigrationRecord{}, fmt.Errorf("persist migration record: %w", err)
	}
	c.logger.Info("conversation migrated to derived key material",
		privacylog.SanitizeArgs(
			"conversation_id", conversationID,
			"legacy_fingerprint", fingerprint,
		)...)
	return record, nil
}

// Status reports migration progress without attempting verification.
func (c *Coordinator) Status(conversationID string) models.MigrationRecord {
	record, ok := c.lookup(conversationID)
	if !ok {
		return models.MigrationRecord{
			ConversationID: conversationID,
			Status:         models.MigrationStatusNotStarted,
		}
	}
	return record
}

// equivalentLocked replays recent ciphertexts against both keys. The derived
// key must decrypt at least every sample the legacy key decrypts; samples
// neither key opens are ignored, the archive may span older epochs.
func (c *Coordinator) equivalentLocked(conversationID string, legacyKey, derivedKey []byte) bool {
	for _, sample := range c.samples.Recent(conversationID, c.sampleWindow) {
		if !decrypts(legacyKey, sample) {
			continue
		}
		if !decrypts(derivedKey, sample) {
			return false
		}
	}
	return true
}

func decrypts(key []byte, sample models.CiphertextSample) bool {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return false
	}
	if len(sample.Nonce) != aead.NonceSize() {
		return false
	}
	plaintext, err := aead.Open(nil, sample.Nonce, sample.Ciphertext, sample.AAD)
	if err != nil {
		return false
	}
	kdf.Zero(plaintext)
	return true
}

func (c *Coordinator) lookup(conversationID string) (models.MigrationRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Get(conversationID)
}
