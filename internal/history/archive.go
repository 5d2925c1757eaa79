// Package history retains a bounded window of recent ciphertexts per
// conversation. Migration replays these samples to prove that derived
// material decrypts exactly what the legacy key decrypted.
package history

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"hush-chat/go-keycore/internal/securestore"
	"hush-chat/go-keycore/pkg/models"
)

const DefaultSamplesPerConversation = 32

var ErrInvalidSample = errors.New("invalid ciphertext sample")

type Archive struct {
	mu      sync.RWMutex
	samples map[string][]models.CiphertextSample
	limit   int
	path    string
	secret  string
}

func NewArchive() *Archive {
	return &Archive{
		samples: make(map[string][]models.CiphertextSample),
		limit:   DefaultSamplesPerConversation,
	}
}

func NewPersistentArchive(path string) (*Archive, error) {
	return NewEncryptedPersistentArchive(path, "")
}

func NewEncryptedPersistentArchive(path, passphrase string) (*Archive, error) {
	a := &Archive{
		samples: make(map[string][]models.CiphertextSample),
		limit:   DefaultSamplesPerConversation,
		path:    path,
		secret:  passphrase,
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

// SetRetention adjusts how many samples each conversation keeps. Existing
// overflow is trimmed on the next Record for that conversation.
func (a *Archive) SetRetention(n int) {
	if n <= 0 {
		n = DefaultSamplesPerConversation
	}
	a.mu.Lock()
	a.limit = n
	a.mu.Unlock()
}

func (a *Archive) Record(sample models.CiphertextSample) error {
	if sample.ConversationID == "" || len(sample.Ciphertext) == 0 {
		return ErrInvalidSample
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	next := cloneSamplesMap(a.samples)
	ring := append(next[sample.ConversationID], sample.Clone())
	if overflow := len(ring) - a.limit; overflow > 0 {
		ring = append([]models.CiphertextSample(nil), ring[overflow:]...)
	}
	next[sample.ConversationID] = ring
	if err := a.persistSnapshotLocked(next); err != nil {
		return err
	}
	a.samples = next
	return nil
}

// Recent returns up to k samples for the conversation, newest first.
func (a *Archive) Recent(conversationID string, k int) []models.CiphertextSample {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ring := a.samples[conversationID]
	if k <= 0 || k > len(ring) {
		k = len(ring)
	}
	out := make([]models.CiphertextSample, 0, k)
	for i := len(ring) - 1; i >= len(ring)-k; i-- {
		out = append(out, ring[i].Clone())
	}
	return out
}

func (a *Archive) Count(conversationID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.samples[conversationID])
}

func (a *Archive) Clear(conversationID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := len(a.samples[conversationID])
	if removed == 0 {
		return 0, nil
	}
	next := cloneSamplesMap(a.samples)
	delete(next, conversationID)
	if err := a.persistSnapshotLocked(next); err != nil {
		return 0, err
	}
	a.samples = next
	return removed, nil
}

func (a *Archive) load() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.path == "" {
		return nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	decoded := data
	if a.secret != "" {
		decoded, err = securestore.Decrypt(a.secret, data)
		if err != nil {
			if errors.Is(err, securestore.ErrLegacyData) {
				decoded = data
			} else {
				return err
			}
		}
	}

	var snapshot struct {
		Samples map[string][]models.CiphertextSample `json:"samples"`
	}
	if err := json.Unmarshal(decoded, &snapshot); err != nil {
		return err
	}
	if snapshot.Samples != nil {
		a.samples = snapshot.Samples
	}
	return nil
}

func (a *Archive) persistSnapshotLocked(samples map[string][]models.CiphertextSample) error {
	if a.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		return err
	}
	snapshot := struct {
		Samples map[string][]models.CiphertextSample `json:"samples"`
	}{Samples: samples}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if a.secret != "" {
		data, err = securestore.Encrypt(a.secret, data)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(a.path, data, 0o600)
}

func cloneSamplesMap(in map[string][]models.CiphertextSample) map[string][]models.CiphertextSample {
	out := make(map[string][]models.CiphertextSample, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
