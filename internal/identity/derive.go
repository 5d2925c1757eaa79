package identity

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoConversation = "hush/identity/conversation/v1"

	idPrefix = "hush1"
)

var ErrInvalidIdentityKey = errors.New("invalid identity key")

// DerivedKeys is the X25519 keypair a seed expands into. The private key
// never leaves this process.
type DerivedKeys struct {
	ConversationPrivateKey []byte
	ConversationPublicKey  []byte
}

func DeriveKeys(seedBytes []byte) (*DerivedKeys, error) {
	priv, err := hkdfExpand(seedBytes, hkdfInfoConversation, 32)
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &DerivedKeys{
		ConversationPrivateKey: priv,
		ConversationPublicKey:  pub,
	}, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func BuildIdentityID(publicKey []byte) (string, error) {
	if len(publicKey) != 32 {
		return "", fmt.Errorf("%w: public key size %d", ErrInvalidIdentityKey, len(publicKey))
	}
	h := blake2b.Sum256(publicKey)
	return idPrefix + base58.Encode(h[:]), nil
}

func VerifyIdentityID(identityID string, publicKey []byte) (bool, error) {
	expected, err := BuildIdentityID(publicKey)
	if err != nil {
		return false, err
	}
	return identityID == expected, nil
}
