package auth

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"llmshield/internal/shielderr"
)

// KeyStorage persists ApiKey records. MemoryKeyStorage is for tests and
// single-process development; FileKeyStorage gives the JSON-file,
// atomic-rename persistence described in §6.
type KeyStorage interface {
	Store(ctx context.Context, key ApiKey) error
	GetByHash(ctx context.Context, hashedValue string) (ApiKey, bool, error)
	GetByID(ctx context.Context, id string) (ApiKey, bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]ApiKey, error)
	Update(ctx context.Context, key ApiKey) error
}

// MemoryKeyStorage is a RWMutex-guarded in-memory KeyStorage.
type MemoryKeyStorage struct {
	mu   sync.RWMutex
	keys map[string]ApiKey
}

// NewMemoryKeyStorage returns an empty in-memory store.
func NewMemoryKeyStorage() *MemoryKeyStorage {
	return &MemoryKeyStorage{keys: make(map[string]ApiKey)}
}

func (s *MemoryKeyStorage) Store(ctx context.Context, key ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryKeyStorage) GetByHash(ctx context.Context, hashedValue string) (ApiKey, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.HashedValue == hashedValue {
			return k, true, nil
		}
	}
	return ApiKey{}, false, nil
}

func (s *MemoryKeyStorage) GetByID(ctx context.Context, id string) (ApiKey, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	return k, ok, nil
}

func (s *MemoryKeyStorage) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}

func (s *MemoryKeyStorage) List(ctx context.Context) ([]ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ApiKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out, nil
}

func (s *MemoryKeyStorage) Update(ctx context.Context, key ApiKey) error {
	return s.Store(ctx, key)
}

// keyFile is the on-disk JSON envelope FileKeyStorage reads and writes.
type keyFile struct {
	Keys []ApiKey `json:"keys"`
}

// FileKeyStorage persists keys as JSON, writing through a temp file and
// renaming over the target so readers never observe a partial write.
type FileKeyStorage struct {
	mu       sync.RWMutex
	filePath string
	keys     map[string]ApiKey
}

// NewFileKeyStorage opens (or creates) the JSON key file at filePath,
// loading any existing keys into memory.
func NewFileKeyStorage(filePath string) (*FileKeyStorage, error) {
	s := &FileKeyStorage{filePath: filePath, keys: make(map[string]ApiKey)}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, shielderr.Wrap(shielderr.Config, "failed to create key storage directory", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileKeyStorage) load() error {
	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return shielderr.Wrap(shielderr.Config, "failed to read api key file", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return shielderr.Wrap(shielderr.Config, "failed to parse api key file", err)
	}
	for _, k := range kf.Keys {
		s.keys[k.ID] = k
	}
	return nil
}

func (s *FileKeyStorage) saveLocked() error {
	kf := keyFile{Keys: make([]ApiKey, 0, len(s.keys))}
	for _, k := range s.keys {
		kf.Keys = append(kf.Keys, k)
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return shielderr.Wrap(shielderr.Fatal, "failed to serialize api keys", err)
	}
	tempPath := s.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return shielderr.Wrap(shielderr.Transient, "failed to write api key temp file", err)
	}
	if err := os.Rename(tempPath, s.filePath); err != nil {
		return shielderr.Wrap(shielderr.Transient, "failed to rename api key temp file", err)
	}
	return nil
}

func (s *FileKeyStorage) Store(ctx context.Context, key ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return s.saveLocked()
}

func (s *FileKeyStorage) GetByHash(ctx context.Context, hashedValue string) (ApiKey, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.HashedValue == hashedValue {
			return k, true, nil
		}
	}
	return ApiKey{}, false, nil
}

func (s *FileKeyStorage) GetByID(ctx context.Context, id string) (ApiKey, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	return k, ok, nil
}

func (s *FileKeyStorage) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return s.saveLocked()
}

func (s *FileKeyStorage) List(ctx context.Context) ([]ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ApiKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out, nil
}

func (s *FileKeyStorage) Update(ctx context.Context, key ApiKey) error {
	return s.Store(ctx, key)
}
