package groupkey

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"hush-chat/go-keycore/internal/securestore"
)

// EpochStateStore persists per-conversation epoch counters so rotation stays
// monotonic across restarts. Raw keys are never written here.
type EpochStateStore struct {
	path   string
	secret string
}

func (s *EpochStateStore) Configure(path, secret string) {
	s.path = strings.TrimSpace(path)
	s.secret = strings.TrimSpace(secret)
}

func (s *EpochStateStore) Bootstrap() (map[string]uint64, error) {
	if strings.TrimSpace(s.path) == "" || strings.TrimSpace(s.secret) == "" {
		return map[string]uint64{}, nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]uint64{}, nil
		}
		return nil, err
	}
	plaintext, err := securestore.Decrypt(s.secret, raw)
	if err != nil {
		return nil, err
	}

	var state persistedEpochState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, err
	}
	if state.Version != 1 {
		return nil, errors.New("epoch state persistence payload is invalid")
	}
	if state.Epochs == nil {
		state.Epochs = map[string]uint64{}
	}
	return state.Epochs, nil
}

func (s *EpochStateStore) Persist(epochs map[string]uint64) error {
	if strings.TrimSpace(s.path) == "" || strings.TrimSpace(s.secret) == "" {
		return nil
	}
	state := persistedEpochState{
		Version: 1,
		Epochs:  epochs,
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	encrypted, err := securestore.Encrypt(s.secret, payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, encrypted, 0o600)
}

type persistedEpochState struct {
	Version int               `json:"version"`
	Epochs  map[string]uint64 `json:"epochs"`
}
