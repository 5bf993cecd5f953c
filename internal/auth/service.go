package auth

import (
	"context"
	"time"

	"llmshield/internal/ratelimit"
	"llmshield/internal/shielderr"
)

// CreateKeyRequest describes a new key to issue.
type CreateKeyRequest struct {
	Name          string
	Tier          ratelimit.Tier
	ExpiresInDays *int
}

// CreateKeyResponse is returned once, at creation time, and is the only
// place the raw key value is ever exposed.
type CreateKeyResponse struct {
	Key       string
	ID        string
	Name      string
	Tier      ratelimit.Tier
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Service is the high-level API key management surface: issuance,
// validation against the Authorization header, revocation, and listing.
type Service struct {
	storage KeyStorage
}

// NewService builds a Service over the given KeyStorage.
func NewService(storage KeyStorage) *Service {
	return &Service{storage: storage}
}

// CreateKey generates, stores, and returns a new key. The stored record
// never retains the raw value: it is written once for the response, then
// cleared before the final Update.
func (s *Service) CreateKey(ctx context.Context, req CreateKeyRequest) (CreateKeyResponse, error) {
	var expiresAt *time.Time
	if req.ExpiresInDays != nil {
		t := time.Now().AddDate(0, 0, *req.ExpiresInDays)
		expiresAt = &t
	}

	key, err := GenerateApiKey(req.Name, req.Tier, expiresAt)
	if err != nil {
		return CreateKeyResponse{}, err
	}

	if err := s.storage.Store(ctx, key); err != nil {
		return CreateKeyResponse{}, err
	}

	response := CreateKeyResponse{
		Key:       key.Value,
		ID:        key.ID,
		Name:      key.Name,
		Tier:      key.Tier,
		CreatedAt: key.CreatedAt,
		ExpiresAt: key.ExpiresAt,
	}

	key.Value = ""
	if err := s.storage.Update(ctx, key); err != nil {
		return CreateKeyResponse{}, err
	}

	return response, nil
}

// ValidateKey checks rawKey's surface format, then scans stored keys for
// one whose bcrypt hash matches, rejecting revoked or expired matches.
// Every failure path returns the same generic unauthorized error so a
// caller cannot distinguish "no such key" from "expired" from
// "malformed" by response alone.
func (s *Service) ValidateKey(ctx context.Context, rawKey string) (ApiKey, error) {
	if !ValidateKeyFormat(rawKey) {
		return ApiKey{}, shielderr.New(shielderr.Unauthorized, "invalid API key format")
	}

	keys, err := s.storage.List(ctx)
	if err != nil {
		return ApiKey{}, err
	}

	for _, key := range keys {
		if !key.Verify(rawKey) {
			continue
		}
		if !key.Active {
			return ApiKey{}, shielderr.New(shielderr.Unauthorized, "API key has been revoked")
		}
		if key.IsExpired() {
			return ApiKey{}, shielderr.New(shielderr.Unauthorized, "API key has expired")
		}
		return key, nil
	}

	return ApiKey{}, shielderr.New(shielderr.Unauthorized, "invalid API key")
}

// RevokeKey deactivates a key without deleting its record.
func (s *Service) RevokeKey(ctx context.Context, id string) error {
	key, ok, err := s.storage.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return shielderr.New(shielderr.NotFound, "API key not found")
	}
	key.Active = false
	return s.storage.Update(ctx, key)
}

// DeleteKey permanently removes a key's record.
func (s *Service) DeleteKey(ctx context.Context, id string) error {
	return s.storage.Delete(ctx, id)
}

// ListKeys returns every key, including inactive or expired ones.
func (s *Service) ListKeys(ctx context.Context) ([]ApiKey, error) {
	return s.storage.List(ctx)
}

// GetKey returns one key by id.
func (s *Service) GetKey(ctx context.Context, id string) (ApiKey, bool, error) {
	return s.storage.GetByID(ctx, id)
}
