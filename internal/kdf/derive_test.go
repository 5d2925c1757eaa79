package kdf

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"
)

// RFC 7748 §6.1 Diffie-Hellman test vector.
const (
	rfcAlicePrivHex  = "77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a"
	rfcAlicePubHex   = "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a"
	rfcBobPrivHex    = "5dab087e624a8a4b79e17f8b83800ee66f3bb1292618b6fd1c2f8b27ff88e0eb"
	rfcBobPubHex     = "de9edb7d7b7dc1b4d35b61c2ece435373f8343c85b78674dadfc7e146f882b4f"
	rfcSharedHex     = "4a5d9d5ba4ce2de1728e3bf480350f25e07e21c947d19e3376f09b3c1e161742"
	testConversation = "conv-derive-1"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode hex failed: %v", err)
	}
	return b
}

func TestSharedSecretMatchesRFC7748Vector(t *testing.T) {
	alicePriv := mustHex(t, rfcAlicePrivHex)
	bobPub := mustHex(t, rfcBobPubHex)
	want := mustHex(t, rfcSharedHex)

	got, err := SharedSecret(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("shared secret failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("shared secret mismatch: got %x want %x", got, want)
	}
}

func TestSharedSecretSymmetric(t *testing.T) {
	alicePriv := mustHex(t, rfcAlicePrivHex)
	alicePub := mustHex(t, rfcAlicePubHex)
	bobPriv := mustHex(t, rfcBobPrivHex)
	bobPub := mustHex(t, rfcBobPubHex)

	s1, err := SharedSecret(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("alice shared secret failed: %v", err)
	}
	s2, err := SharedSecret(bobPriv, alicePub)
	if err != nil {
		t.Fatalf("bob shared secret failed: %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatal("shared secrets must be identical from both sides")
	}
}

func TestPublicKeyMatchesRFC7748Vector(t *testing.T) {
	pub, err := PublicKey(mustHex(t, rfcAlicePrivHex))
	if err != nil {
		t.Fatalf("public key failed: %v", err)
	}
	if !bytes.Equal(pub, mustHex(t, rfcAlicePubHex)) {
		t.Fatalf("public key mismatch: got %x", pub)
	}
}

func TestSharedSecretRejectsBadKeys(t *testing.T) {
	valid := mustHex(t, rfcAlicePrivHex)
	cases := []struct {
		name string
		priv []byte
		pub  []byte
	}{
		{"short private", valid[:16], mustHex(t, rfcBobPubHex)},
		{"short public", valid, []byte{1, 2, 3}},
		{"nil public", valid, nil},
		{"identity public", valid, make([]byte, KeySize)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := SharedSecret(tc.priv, tc.pub); !errors.Is(err, ErrInvalidKeyMaterial) {
				t.Fatalf("expected ErrInvalidKeyMaterial, got %v", err)
			}
		})
	}
}

func TestDeriveDeterministic(t *testing.T) {
	raw := mustHex(t, rfcSharedHex)
	k1, err := Derive(raw, testConversation, 1, PurposeMessage)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	k2, err := Derive(raw, testConversation, 1, PurposeMessage)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("derive must be deterministic")
	}
	if len(k1) != KeySize {
		t.Fatalf("expected %d-byte subkey, got %d", KeySize, len(k1))
	}
}

func TestDerivePurposeSeparation(t *testing.T) {
	raw := mustHex(t, rfcSharedHex)
	purposes := []Purpose{PurposeMessage, PurposeMedia, PurposeAuth, PurposeKeyWrap}
	seen := make(map[string]Purpose, len(purposes))
	for _, p := range purposes {
		k, err := Derive(raw, testConversation, 1, p)
		if err != nil {
			t.Fatalf("derive %s failed: %v", p, err)
		}
		if prev, dup := seen[string(k)]; dup {
			t.Fatalf("purposes %s and %s derived identical keys", prev, p)
		}
		seen[string(k)] = p
	}
}

func TestDeriveSeparatesConversationAndEpoch(t *testing.T) {
	raw := mustHex(t, rfcSharedHex)
	base, err := Derive(raw, testConversation, 1, PurposeMessage)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	otherConv, err := Derive(raw, "conv-derive-2", 1, PurposeMessage)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	otherEpoch, err := Derive(raw, testConversation, 2, PurposeMessage)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if bytes.Equal(base, otherConv) {
		t.Fatal("different conversations must derive different keys")
	}
	if bytes.Equal(base, otherEpoch) {
		t.Fatal("different epochs must derive different keys")
	}
}

func TestDeriveRejectsInvalidInput(t *testing.T) {
	raw := mustHex(t, rfcSharedHex)
	if _, err := Derive(raw[:8], testConversation, 1, PurposeMessage); !errors.Is(err, ErrInvalidKeyMaterial) {
		t.Fatalf("expected ErrInvalidKeyMaterial for short key, got %v", err)
	}
	if _, err := Derive(make([]byte, KeySize), testConversation, 1, PurposeMessage); !errors.Is(err, ErrInvalidKeyMaterial) {
		t.Fatalf("expected ErrInvalidKeyMaterial for zero key, got %v", err)
	}
	if _, err := Derive(raw, "", 1, PurposeMessage); !errors.Is(err, ErrInvalidKeyMaterial) {
		t.Fatalf("expected ErrInvalidKeyMaterial for empty conversation, got %v", err)
	}
	if _, err := Derive(raw, testConversation, 1, Purpose("root")); !errors.Is(err, ErrInvalidKeyMaterial) {
		t.Fatalf("expected ErrInvalidKeyMaterial for unknown purpose, got %v", err)
	}
}

func TestDeriveMaterialBundle(t *testing.T) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	m, err := DeriveMaterial(raw, testConversation, 7)
	if err != nil {
		t.Fatalf("derive material failed: %v", err)
	}
	if m.Epoch != 7 || m.ConversationID != testConversation {
		t.Fatalf("unexpected material identity: %s/%d", m.ConversationID, m.Epoch)
	}
	if !bytes.Equal(m.RawKey, raw) {
		t.Fatal("raw key must round-trip into the bundle")
	}
	if bytes.Equal(m.MessageKey, m.MediaKey) || bytes.Equal(m.MessageKey, m.AuthKey) || bytes.Equal(m.MediaKey, m.AuthKey) {
		t.Fatal("subkeys must be pairwise distinct")
	}
}

func TestMaterialCloneIsolatesBuffers(t *testing.T) {
	raw := mustHex(t, rfcSharedHex)
	m, err := DeriveMaterial(raw, testConversation, 1)
	if err != nil {
		t.Fatalf("derive material failed: %v", err)
	}
	cp := m.Clone()
	m.Zero()
	if allZero(cp.MessageKey) || allZero(cp.RawKey) {
		t.Fatal("zeroizing the original must not touch the clone")
	}
	if !allZero(m.MessageKey) || !allZero(m.RawKey) {
		t.Fatal("zeroize must wipe the original buffers")
	}
}
