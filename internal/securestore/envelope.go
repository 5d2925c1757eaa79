// Package securestore encrypts state files at rest. Every persistent store
// in the engine writes through it: a passphrase-derived XChaCha20-Poly1305
// envelope with argon2id stretching, marked by a magic prefix so plaintext
// files from older installs are detected instead of misparsed.
package securestore

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var magic = []byte("HUSHENC1\n")

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrLegacyData = errors.New("securestore legacy plaintext data")
)

// kdfParams pins the argon2id cost recorded in each envelope. Decryption
// uses the recorded values so cost bumps never orphan old files.
type kdfParams struct {
	Time     uint32 `json:"time"`
	MemoryKB uint32 `json:"memory_kb"`
	Threads  uint8  `json:"threads"`
}

var currentParams = kdfParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}

type envelope struct {
	Version    uint32    `json:"version"`
	KDF        string    `json:"kdf"`
	Params     kdfParams `json:"params"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

const (
	envelopeVersion = 1
	saltSize        = 16
)

// Encrypt seals plaintext under the passphrase and returns the full file
// content, magic prefix included.
func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	aead, err := aeadFor(passphrase, salt, currentParams)
	if err != nil {
		return nil, err
	}
	env := envelope{
		Version:    envelopeVersion,
		KDF:        "argon2id",
		Params:     currentParams,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, magic),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), magic...), raw...), nil
}

// Decrypt opens file content written by Encrypt. Content without the magic
// prefix returns ErrLegacyData so callers can fall back to plaintext parsing.
func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, magic) {
		return nil, ErrLegacyData
	}
	var env envelope
	if err := json.Unmarshal(data[len(magic):], &env); err != nil {
		return nil, ErrInvalid
	}
	if env.Version != envelopeVersion || env.KDF != "argon2id" {
		return nil, ErrInvalid
	}
	if env.Params.Time == 0 || env.Params.MemoryKB == 0 || env.Params.Threads == 0 {
		return nil, ErrInvalid
	}

	aead, err := aeadFor(passphrase, env.Salt, env.Params)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, magic)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func aeadFor(passphrase string, salt []byte, p kdfParams) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKB, p.Threads, chacha20poly1305.KeySize)
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()
	return chacha20poly1305.NewX(key)
}
