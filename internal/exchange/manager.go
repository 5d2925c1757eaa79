package exchange

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hush-chat/go-keycore/internal/groupkey"
	"hush-chat/go-keycore/internal/kdf"
	"hush-chat/go-keycore/internal/platform/privacylog"
	"hush-chat/go-keycore/pkg/models"
)

var (
	ErrRecordNotFound        = errors.New("exchange record not found")
	ErrNotAddressedToSelf    = errors.New("exchange record is not addressed to this identity")
	ErrExchangeRecordExpired = errors.New("exchange record expired")
	ErrRecordRejected        = errors.New("exchange record rejected")
	ErrRecordNotPending      = errors.New("exchange record is not pending")
)

const (
	defaultStoreRetries   = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	defaultRetryMaxDelay  = 2 * time.Second
)

// Directory resolves participant public keys for unwrap.
type Directory interface {
	ParticipantPublicKey(participantID string) ([]byte, error)
}

// Manager drives the exchange record state machine on top of a RecordStore.
// Store errors are retried here with bounded doubling backoff, never by the
// key cache.
type Manager struct {
	store     RecordStore
	provider  groupkey.KeyProvider
	directory Directory
	logger    *slog.Logger
	now       func() time.Time

	retries    int
	retryBase  time.Duration
	retryLimit time.Duration
}

func NewManager(store RecordStore, provider groupkey.KeyProvider, directory Directory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		provider:   provider,
		directory:  directory,
		logger:     logger,
		now:        time.Now,
		retries:    defaultStoreRetries,
		retryBase:  defaultRetryBaseDelay,
		retryLimit: defaultRetryMaxDelay,
	}
}

// Publish persists a freshly issued record.
func (m *Manager) Publish(ctx context.Context, rec models.WrappedKeyRecord) error {
	return m.withRetry(ctx, func() error {
		return m.store.Put(rec)
	})
}

// PendingForSelf lists records addressed to the local identity that are
// still actionable. Expiry is evaluated lazily against the read time.
func (m *Manager) PendingForSelf(ctx context.Context) ([]models.WrappedKeyRecord, error) {
	self := m.provider.GetIdentity()
	var records []models.WrappedKeyRecord
	err := m.withRetry(ctx, func() error {
		var err error
		records, err = m.store.AddressedTo(self.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]models.WrappedKeyRecord, 0, len(records))
	for _, rec := range records {
		if rec.EffectiveStatus(now) == models.ExchangeStatusPending {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Accept unwraps a record addressed to the local identity and marks it
// accepted. Re-accepting an accepted record is a no-op that returns the key
// again. A tag mismatch is surfaced as groupkey.ErrUnwrapAuthenticationFailed
// and logged as a security event, never folded into rejection.
func (m *Manager) Accept(ctx context.Context, recordID string) ([]byte, models.WrappedKeyRecord, error) {
	rec, err := m.fetch(ctx, recordID)
	if err != nil {
		return nil, models.WrappedKeyRecord{}, err
	}
	self := m.provider.GetIdentity()
	if rec.TargetID != self.ID {
		return nil, models.WrappedKeyRecord{}, ErrNotAddressedToSelf
	}

	now := m.now()
	switch rec.EffectiveStatus(now) {
	case models.ExchangeStatusRejected:
		return nil, rec, ErrRecordRejected
	case models.ExchangeStatusExpired:
		// Expiry is evaluated at read time only; the stored field is never
		// rewritten. The returned copy reflects what the caller observed.
		rec.Status = models.ExchangeStatusExpired
		return nil, rec, ErrExchangeRecordExpired
	}

	requesterPub, err := m.directory.ParticipantPublicKey(rec.RequesterID)
	if err != nil {
		return nil, rec, err
	}
	priv := m.provider.LocalPrivateKey()
	wrappingKey, err := groupkey.DeriveWrappingKey(priv, requesterPub, rec.ConversationID, rec.Epoch)
	kdf.Zero(priv)
	if err != nil {
		return nil, rec, err
	}
	rawKey, err := groupkey.UnwrapKey(rec.Ciphertext, wrappingKey, rec.ConversationID, rec.Epoch, rec.RequesterID, rec.TargetID)
	kdf.Zero(wrappingKey)
	if err != nil {
		m.logger.Warn("wrapped key unwrap failed",
			privacylog.SanitizeArgs(
				"category", "security",
				"record_id", rec.ID,
				"conversation_id", rec.ConversationID,
				"requester_id", rec.RequesterID,
				"epoch", rec.Epoch,
			)...)
		return nil, rec, err
	}

	if rec.Status != models.ExchangeStatusAccepted {
		rec.Status = models.ExchangeStatusAccepted
		if err := m.Publish(ctx, rec); err != nil {
			kdf.Zero(rawKey)
			return nil, rec, err
		}
	}
	return rawKey, rec, nil
}

// Reject marks a pending record rejected. Rejection is terminal: the
// requester must issue a fresh epoch rather than retry this record.
func (m *Manager) Reject(ctx context.Context, recordID string) (models.WrappedKeyRecord, error) {
	rec, err := m.fetch(ctx, recordID)
	if err != nil {
		return models.WrappedKeyRecord{}, err
	}
	self := m.provider.GetIdentity()
	if rec.TargetID != self.ID {
		return models.WrappedKeyRecord{}, ErrNotAddressedToSelf
	}
	if rec.EffectiveStatus(m.now()) != models.ExchangeStatusPending {
		return rec, ErrRecordNotPending
	}
	rec.Status = models.ExchangeStatusRejected
	if err := m.Publish(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Lookup returns a record with lazy expiry applied to the returned copy.
func (m *Manager) Lookup(ctx context.Context, recordID string) (models.WrappedKeyRecord, error) {
	rec, err := m.fetch(ctx, recordID)
	if err != nil {
		return models.WrappedKeyRecord{}, err
	}
	rec.Status = rec.EffectiveStatus(m.now())
	return rec, nil
}

func (m *Manager) fetch(ctx context.Context, recordID string) (models.WrappedKeyRecord, error) {
	var (
		rec models.WrappedKeyRecord
		ok  bool
	)
	err := m.withRetry(ctx, func() error {
		var err error
		rec, ok, err = m.store.Get(recordID)
		return err
	})
	if err != nil {
		return models.WrappedKeyRecord{}, err
	}
	if !ok {
		return models.WrappedKeyRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (m *Manager) withRetry(ctx context.Context, op func() error) error {
	delay := m.retryBase
	var lastErr error
	for attempt := 0; attempt < m.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
		if attempt == m.retries-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > m.retryLimit {
			delay = m.retryLimit
		}
	}
	return lastErr
}
