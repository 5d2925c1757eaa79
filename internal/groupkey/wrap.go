// Package groupkey generates and distributes conversation keys for
// multi-party conversations. The key is random, never deterministic, and is
// delivered to each participant wrapped under a pair-specific key so the
// backend only ever relays opaque ciphertext.
package groupkey

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"hush-chat/go-keycore/internal/kdf"
)

var ErrUnwrapAuthenticationFailed = errors.New("unwrap authentication failed")

const nonceInfo = "hush/groupkey/nonce/v1"

// DeriveWrappingKey computes the symmetric key protecting one wrapped record.
// ECDH is symmetric, so the requester (self priv, target pub) and the target
// (target priv, self pub) derive the same key.
func DeriveWrappingKey(localPrivateKey, peerPublicKey []byte, conversationID string, epoch uint64) ([]byte, error) {
	secret, err := kdf.SharedSecret(localPrivateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}
	defer kdf.Zero(secret)
	return kdf.Derive(secret, conversationID, epoch, kdf.PurposeKeyWrap)
}

// WrapKey seals rawKey for one target. The nonce is a hash of
// (conversationID, epoch, targetID), unique per record without a counter;
// the AAD binds the routing fields so a record replayed under different
// routing fails authentication.
func WrapKey(rawKey, wrappingKey []byte, conversationID string, epoch uint64, requesterID, targetID string) ([]byte, error) {
	if len(rawKey) != kdf.KeySize {
		return nil, kdf.ErrInvalidKeyMaterial
	}
	aead, err := chacha20poly1305.NewX(wrappingKey)
	if err != nil {
		return nil, err
	}
	nonce := wrapNonce(conversationID, epoch, targetID)
	return aead.Seal(nil, nonce, rawKey, wrapAAD(conversationID, epoch, requesterID, targetID)), nil
}

// UnwrapKey opens a wrapped record. A tag mismatch, whatever its cause, is
// reported as ErrUnwrapAuthenticationFailed so callers can distinguish a
// cryptographic failure from a policy rejection.
func UnwrapKey(ciphertext, wrappingKey []byte, conversationID string, epoch uint64, requesterID, targetID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(wrappingKey)
	if err != nil {
		return nil, err
	}
	nonce := wrapNonce(conversationID, epoch, targetID)
	rawKey, err := aead.Open(nil, nonce, ciphertext, wrapAAD(conversationID, epoch, requesterID, targetID))
	if err != nil {
		return nil, ErrUnwrapAuthenticationFailed
	}
	return rawKey, nil
}

func wrapNonce(conversationID string, epoch uint64, targetID string) []byte {
	h, err := blake2b.New(chacha20poly1305.NonceSizeX, nil)
	if err != nil {
		panic("blake2b nonce size rejected: " + err.Error())
	}
	h.Write([]byte(nonceInfo))
	h.Write([]byte{0})
	h.Write([]byte(conversationID))
	h.Write([]byte{0})
	var epochBE [8]byte
	binary.BigEndian.PutUint64(epochBE[:], epoch)
	h.Write(epochBE[:])
	h.Write([]byte{0})
	h.Write([]byte(targetID))
	return h.Sum(nil)
}

func wrapAAD(conversationID string, epoch uint64, requesterID, targetID string) []byte {
	b := make([]byte, 0, len(conversationID)+len(requesterID)+len(targetID)+11)
	b = append(b, []byte(conversationID)...)
	b = append(b, 0)
	var epochBE [8]byte
	binary.BigEndian.PutUint64(epochBE[:], epoch)
	b = append(b, epochBE[:]...)
	b = append(b, 0)
	b = append(b, []byte(requesterID)...)
	b = append(b, 0)
	b = append(b, []byte(targetID)...)
	return b
}
