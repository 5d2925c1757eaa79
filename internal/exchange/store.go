// Package exchange tracks wrapped-key records through their
// pending/accepted/rejected/expired lifecycle.
package exchange

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"hush-chat/go-keycore/internal/securestore"
	"hush-chat/go-keycore/pkg/models"
)

// RecordStore is the synchronization-store surface: a backend needs only
// "records addressed to me" and "records I created", which keeps it
// compatible with an append-only or row-secured remote table.
type RecordStore interface {
	Put(rec models.WrappedKeyRecord) error
	Get(id string) (models.WrappedKeyRecord, bool, error)
	AddressedTo(targetID string) ([]models.WrappedKeyRecord, error)
	CreatedBy(requesterID string) ([]models.WrappedKeyRecord, error)
}

type InMemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]models.WrappedKeyRecord
}

func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{records: make(map[string]models.WrappedKeyRecord)}
}

func (s *InMemoryRecordStore) Put(rec models.WrappedKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *InMemoryRecordStore) Get(id string) (models.WrappedKeyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return models.WrappedKeyRecord{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (s *InMemoryRecordStore) AddressedTo(targetID string) ([]models.WrappedKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.WrappedKeyRecord, 0)
	for _, rec := range s.records {
		if rec.TargetID == targetID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryRecordStore) CreatedBy(requesterID string) ([]models.WrappedKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.WrappedKeyRecord, 0)
	for _, rec := range s.records {
		if rec.RequesterID == requesterID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

type FileRecordStore struct {
	mu     sync.Mutex
	path   string
	secret string
}

func NewFileRecordStore(path string) *FileRecordStore {
	return &FileRecordStore{path: path}
}

func NewEncryptedFileRecordStore(path, passphrase string) *FileRecordStore {
	return &FileRecordStore{path: path, secret: passphrase}
}

func (s *FileRecordStore) Put(rec models.WrappedKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAllLocked()
	if err != nil {
		return err
	}
	all[rec.ID] = rec.Clone()
	return s.writeAllLocked(all)
}

func (s *FileRecordStore) Get(id string) (models.WrappedKeyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAllLocked()
	if err != nil {
		return models.WrappedKeyRecord{}, false, err
	}
	rec, ok := all[id]
	return rec, ok, nil
}

func (s *FileRecordStore) AddressedTo(targetID string) ([]models.WrappedKeyRecord, error) {
	return s.filtered(func(rec models.WrappedKeyRecord) bool { return rec.TargetID == targetID })
}

func (s *FileRecordStore) CreatedBy(requesterID string) ([]models.WrappedKeyRecord, error) {
	return s.filtered(func(rec models.WrappedKeyRecord) bool { return rec.RequesterID == requesterID })
}

func (s *FileRecordStore) filtered(keep func(models.WrappedKeyRecord) bool) ([]models.WrappedKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAllLocked()
	if err != nil {
		return nil, err
	}
	out := make([]models.WrappedKeyRecord, 0)
	for _, rec := range all {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *FileRecordStore) loadAllLocked() (map[string]models.WrappedKeyRecord, error) {
	result := make(map[string]models.WrappedKeyRecord)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return result, nil
	}

	decoded := data
	if s.secret != "" {
		plain, err := securestore.Decrypt(s.secret, data)
		if err != nil {
			if errors.Is(err, securestore.ErrLegacyData) {
				decoded = data
			} else {
				return nil, err
			}
		} else {
			decoded = plain
		}
	}

	if err := json.Unmarshal(decoded, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *FileRecordStore) writeAllLocked(all map[string]models.WrappedKeyRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(all)
	if err != nil {
		return err
	}
	if s.secret != "" {
		data, err = securestore.Encrypt(s.secret, data)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, data, 0o600)
}
