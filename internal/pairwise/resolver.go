// Package pairwise computes conversation keys for two-party conversations.
//
// Both sides run the same X25519 agreement and HKDF expansion, so the key
// never travels and no exchange record is created. Rotation is an epoch
// bump re-derived independently on each side.
package pairwise

import (
	"hush-chat/go-keycore/internal/kdf"
)

// Resolve derives the full subkey bundle for a pairwise conversation epoch.
// Deterministic: A resolving with (dA, QB) and B resolving with (dB, QA)
// produce byte-identical material. Conversation and epoch separation happen
// inside the HKDF info, so the single ECDH result yields independent keys
// per epoch.
func Resolve(conversationID string, epoch uint64, localPrivateKey, remotePublicKey []byte) (kdf.Material, error) {
	secret, err := kdf.SharedSecret(localPrivateKey, remotePublicKey)
	if err != nil {
		return kdf.Material{}, err
	}
	defer kdf.Zero(secret)

	return kdf.DeriveMaterial(secret, conversationID, epoch)
}
