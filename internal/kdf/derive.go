// Package kdf turns X25519 agreements into purpose-scoped symmetric subkeys.
package kdf

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var ErrInvalidKeyMaterial = errors.New("invalid key material")

// Purpose selects the domain-separated subkey derived from one raw key.
type Purpose string

const (
	PurposeMessage Purpose = "message"
	PurposeMedia   Purpose = "media"
	PurposeAuth    Purpose = "auth"
	PurposeKeyWrap Purpose = "keywrap"
)

const (
	KeySize = 32

	hkdfSalt       = "hush/convkey/salt/v1"
	hkdfInfoPrefix = "hush/convkey/"
	hkdfInfoSuffix = "/v1"
)

// SharedSecret runs X25519 between a local private key and a remote public
// key. Low-order peer keys collapse to the identity element and are rejected;
// the error is returned instead of a zero key.
func SharedSecret(localPrivateKey, remotePublicKey []byte) ([]byte, error) {
	if len(localPrivateKey) != KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrInvalidKeyMaterial, KeySize, len(localPrivateKey))
	}
	if len(remotePublicKey) != KeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKeyMaterial, KeySize, len(remotePublicKey))
	}
	if allZero(remotePublicKey) {
		return nil, fmt.Errorf("%w: public key is the identity element", ErrInvalidKeyMaterial)
	}
	secret, err := curve25519.X25519(localPrivateKey, remotePublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKeyMaterial, err.Error())
	}
	return secret, nil
}

// PublicKey returns the X25519 public key for a 32-byte private key.
func PublicKey(privateKey []byte) ([]byte, error) {
	if len(privateKey) != KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrInvalidKeyMaterial, KeySize, len(privateKey))
	}
	return curve25519.X25519(privateKey, curve25519.Basepoint)
}

// Derive expands rawKey into one 32-byte subkey bound to the conversation,
// epoch and purpose. Independent purposes are not correlatable without
// rawKey. Pure function: same inputs always produce the same output.
func Derive(rawKey []byte, conversationID string, epoch uint64, purpose Purpose) ([]byte, error) {
	if len(rawKey) != KeySize {
		return nil, fmt.Errorf("%w: raw key must be %d bytes, got %d", ErrInvalidKeyMaterial, KeySize, len(rawKey))
	}
	if allZero(rawKey) {
		return nil, fmt.Errorf("%w: raw key is all zero", ErrInvalidKeyMaterial)
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is empty", ErrInvalidKeyMaterial)
	}
	switch purpose {
	case PurposeMessage, PurposeMedia, PurposeAuth, PurposeKeyWrap:
	default:
		return nil, fmt.Errorf("%w: unknown purpose %q", ErrInvalidKeyMaterial, string(purpose))
	}

	reader := hkdf.New(sha256.New, rawKey, []byte(hkdfSalt), deriveInfo(conversationID, epoch, purpose))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func deriveInfo(conversationID string, epoch uint64, purpose Purpose) []byte {
	label := hkdfInfoPrefix + string(purpose) + hkdfInfoSuffix
	b := make([]byte, 0, len(label)+len(conversationID)+10)
	b = append(b, []byte(label)...)
	b = append(b, 0)
	b = append(b, []byte(conversationID)...)
	b = append(b, 0)
	var epochBE [8]byte
	binary.BigEndian.PutUint64(epochBE[:], epoch)
	b = append(b, epochBE[:]...)
	return b
}

func allZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// Zero overwrites a key buffer in place; best effort, the cache calls this
// on its own copies only.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
