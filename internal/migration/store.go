package migration

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"hush-chat/go-keycore/internal/securestore"
	"hush-chat/go-keycore/pkg/models"
)

// RecordStore persists migration progress per conversation. Progress is
// local bookkeeping only; it never contains key bytes, just fingerprints.
type RecordStore interface {
	Get(conversationID string) (models.MigrationRecord, bool)
	Put(record models.MigrationRecord) error
	All() []models.MigrationRecord
}

type InMemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]models.MigrationRecord
}

func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{records: make(map[string]models.MigrationRecord)}
}

func (s *InMemoryRecordStore) Get(conversationID string) (models.MigrationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[conversationID]
	return record, ok
}

func (s *InMemoryRecordStore) Put(record models.MigrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ConversationID] = record
	return nil
}

func (s *InMemoryRecordStore) All() []models.MigrationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MigrationRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

type FileRecordStore struct {
	mu      sync.RWMutex
	records map[string]models.MigrationRecord
	path    string
	secret  string
}

func NewFileRecordStore(path string) (*FileRecordStore, error) {
	return NewEncryptedFileRecordStore(path, "")
}

func NewEncryptedFileRecordStore(path, passphrase string) (*FileRecordStore, error) {
	s := &FileRecordStore{
		records: make(map[string]models.MigrationRecord),
		path:    path,
		secret:  passphrase,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileRecordStore) Get(conversationID string) (models.MigrationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[conversationID]
	return record, ok
}

func (s *FileRecordStore) Put(record models.MigrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]models.MigrationRecord, len(s.records)+1)
	for k, v := range s.records {
		next[k] = v
	}
	next[record.ConversationID] = record
	if err := s.persistSnapshotLocked(next); err != nil {
		return err
	}
	s.records = next
	return nil
}

func (s *FileRecordStore) All() []models.MigrationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MigrationRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

func (s *FileRecordStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
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
	if s.secret != "" {
		decoded, err = securestore.Decrypt(s.secret, data)
		if err != nil {
			if errors.Is(err, securestore.ErrLegacyData) {
				decoded = data
			} else {
				return err
			}
		}
	}

	var snapshot struct {
		Records map[string]models.MigrationRecord `json:"records"`
	}
	if err := json.Unmarshal(decoded, &snapshot); err != nil {
		return err
	}
	if snapshot.Records != nil {
		s.records = snapshot.Records
	}
	return nil
}

func (s *FileRecordStore) persistSnapshotLocked(records map[string]models.MigrationRecord) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	snapshot := struct {
		Records map[string]models.MigrationRecord `json:"records"`
	}{Records: records}
	data, err := json.Marshal(snapshot)
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
