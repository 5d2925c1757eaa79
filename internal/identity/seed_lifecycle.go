package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"

	"hush-chat/go-keycore/internal/securestore"
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrSeedNotAvailable = errors.New("seed is not available")
	ErrPasswordRequired = errors.New("password is required")
	ErrMnemonicRequired = errors.New("mnemonic is required")
	ErrIdentityInit     = errors.New("identity initialization failed")
	ErrPasswordLocked   = errors.New("password attempts are temporarily locked")
)

const maxLockoutShift = 5

// SeedManager holds the identity mnemonic sealed under the user's password.
// Wrong-password attempts back off exponentially to slow offline guessing
// through the API surface.
type SeedManager struct {
	mu     sync.Mutex
	sealed []byte
	locks  lockoutState
	now    func() time.Time
}

type lockoutState struct {
	failures    int
	lockedUntil time.Time
}

func NewSeedManager() *SeedManager {
	return &SeedManager{now: time.Now}
}

func newSeedManagerWithClock(now func() time.Time) *SeedManager {
	return &SeedManager{now: now}
}

// Create generates a fresh 24-word mnemonic, seals it under the password
// and returns the derived conversation keys.
func (s *SeedManager) Create(password string) (string, *DerivedKeys, error) {
	if strings.TrimSpace(password) == "" {
		return "", nil, ErrPasswordRequired
	}
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, err
	}
	return s.Import(mnemonic, password)
}

// Import adopts an existing mnemonic, replacing any previously sealed seed.
func (s *SeedManager) Import(mnemonic, password string) (string, *DerivedKeys, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return "", nil, ErrMnemonicRequired
	}
	if strings.TrimSpace(password) == "" {
		return "", nil, ErrPasswordRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", nil, ErrInvalidMnemonic
	}

	keys, err := DeriveKeys(bip39.NewSeed(mnemonic, ""))
	if err != nil {
		return "", nil, err
	}
	sealed, err := securestore.Encrypt(password, []byte(mnemonic))
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = sealed
	s.locks = lockoutState{}
	return mnemonic, keys, nil
}

// Export returns the mnemonic if the password is correct and no lockout is
// in force.
func (s *SeedManager) Export(password string) (string, error) {
	plaintext, err := s.unseal(password)
	if err != nil {
		return "", err
	}
	mnemonic := strings.TrimSpace(string(plaintext))
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", fmt.Errorf("%w: corrupted mnemonic", ErrInvalidMnemonic)
	}
	return mnemonic, nil
}

// ChangePassword reseals the mnemonic under a new password. The old
// password must verify first.
func (s *SeedManager) ChangePassword(oldPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return ErrPasswordRequired
	}
	plaintext, err := s.unseal(oldPassword)
	if err != nil {
		return err
	}
	sealed, err := securestore.Encrypt(newPassword, plaintext)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = sealed
	s.locks = lockoutState{}
	return nil
}

func (s *SeedManager) ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}

// unseal opens the sealed mnemonic, charging the lockout state for every
// wrong password and clearing it on success.
func (s *SeedManager) unseal(password string) ([]byte, error) {
	if strings.TrimSpace(password) == "" {
		return nil, ErrPasswordRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed == nil {
		return nil, ErrSeedNotAvailable
	}
	if !s.locks.lockedUntil.IsZero() && s.now().Before(s.locks.lockedUntil) {
		return nil, ErrPasswordLocked
	}

	plaintext, err := securestore.Decrypt(password, s.sealed)
	if err != nil {
		s.locks.failures++
		s.locks.lockedUntil = s.now().Add(lockoutBackoff(s.locks.failures))
		return nil, ErrInvalidPassword
	}
	s.locks = lockoutState{}
	return plaintext, nil
}

// lockoutBackoff doubles from 1s and caps at 32s.
func lockoutBackoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	shift := failures - 1
	if shift > maxLockoutShift {
		shift = maxLockoutShift
	}
	return time.Second << shift
}

// FromKeys extracts the public identity from derived key material.
func FromKeys(keys *DerivedKeys) (string, []byte, error) {
	if keys == nil || len(keys.ConversationPublicKey) != 32 {
		return "", nil, ErrIdentityInit
	}
	id, err := BuildIdentityID(keys.ConversationPublicKey)
	if err != nil {
		return "", nil, err
	}
	return id, append([]byte(nil), keys.ConversationPublicKey...), nil
}
