package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

const (
	ExchangeStatusPending  = "pending"
	ExchangeStatusAccepted = "accepted"
	ExchangeStatusRejected = "rejected"
	ExchangeStatusExpired  = "expired"
)

// WrappedKeyRecord carries one conversation key sealed for one target.
// The backend only ever sees the routing fields and the opaque ciphertext.
type WrappedKeyRecord struct {
	ID             string    `json:"id"`
	RequesterID    string    `json:"requester_id"`
	TargetID       string    `json:"target_id"`
	ConversationID string    `json:"conversation_id"`
	Epoch          uint64    `json:"epoch"`
	Ciphertext     []byte    `json:"ciphertext"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// WrappedKeyRecordID is deterministic over the record's uniqueness key, so a
// re-issued wrap for the same (requester, target, conversation, epoch)
// collapses to the same row instead of accumulating duplicates.
func WrappedKeyRecordID(requesterID, targetID, conversationID string, epoch uint64) string {
	var epochBE [8]byte
	binary.BigEndian.PutUint64(epochBE[:], epoch)
	b := make([]byte, 0, len(requesterID)+len(targetID)+len(conversationID)+11)
	b = append(b, []byte(requesterID)...)
	b = append(b, 0)
	b = append(b, []byte(targetID)...)
	b = append(b, 0)
	b = append(b, []byte(conversationID)...)
	b = append(b, 0)
	b = append(b, epochBE[:]...)
	h := sha256.Sum256(b)
	return "wrec1_" + hex.EncodeToString(h[:16])
}

func (r WrappedKeyRecord) Clone() WrappedKeyRecord {
	out := r
	out.Ciphertext = append([]byte(nil), r.Ciphertext...)
	return out
}

// TerminalStatus reports whether the record can no longer transition.
func TerminalStatus(status string) bool {
	switch status {
	case ExchangeStatusAccepted, ExchangeStatusRejected, ExchangeStatusExpired:
		return true
	default:
		return false
	}
}

// EffectiveStatus evaluates lazy expiry: a pending record past its deadline
// reads as expired even though no writer ever flipped the stored field.
func (r WrappedKeyRecord) EffectiveStatus(now time.Time) string {
	if r.Status == ExchangeStatusPending && !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
		return ExchangeStatusExpired
	}
	return r.Status
}

const (
	MigrationStatusNotStarted = "not_started"
	MigrationStatusVerifying  = "verifying"
	MigrationStatusCompleted  = "completed"
	MigrationStatusFailed     = "failed"
)

// MigrationRecord tracks the cut-over of one conversation from a
// server-known legacy key to locally derived material.
type MigrationRecord struct {
	ConversationID       string    `json:"conversation_id"`
	LegacyKeyFingerprint string    `json:"legacy_key_fingerprint"`
	Status               string    `json:"status"`
	VerifiedAt           time.Time `json:"verified_at,omitempty"`
}

func NormalizeMigrationStatus(raw string) string {
	switch strings.TrimSpace(raw) {
	case MigrationStatusVerifying:
		return MigrationStatusVerifying
	case MigrationStatusCompleted:
		return MigrationStatusCompleted
	case MigrationStatusFailed:
		return MigrationStatusFailed
	default:
		return MigrationStatusNotStarted
	}
}

// CiphertextSample is one historical ciphertext retained for migration
// equivalence checks; the body stays opaque to everything but the AEAD.
type CiphertextSample struct {
	ConversationID string    `json:"conversation_id"`
	Epoch          uint64    `json:"epoch"`
	Nonce          []byte    `json:"nonce"`
	Ciphertext     []byte    `json:"ciphertext"`
	AAD            []byte    `json:"aad,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

func (s CiphertextSample) Clone() CiphertextSample {
	out := s
	out.Nonce = append([]byte(nil), s.Nonce...)
	out.Ciphertext = append([]byte(nil), s.Ciphertext...)
	out.AAD = append([]byte(nil), s.AAD...)
	return out
}
