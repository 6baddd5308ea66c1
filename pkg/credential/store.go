package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/model"
)

// ErrNotFound is returned when no credential matches the requested name.
var ErrNotFound = errors.New("credential: not found")

// Store resolves named credential references to decrypted material (spec
// §3.5 "credential(credential_id, name, type, encrypted_data, tags, ...)").
// Resolve returns model.CredentialRef with Data decrypted; outside tests
// its only caller is the Action Dispatcher's auth resolver.
type Store struct {
	pool      *pgxpool.Pool
	encryptor *Encryptor
}

// New creates a Store that decrypts with the given Encryptor.
func New(pool *pgxpool.Pool, encryptor *Encryptor) *Store {
	return &Store{pool: pool, encryptor: encryptor}
}

// Put registers or replaces a named credential, encrypting data at rest.
func (s *Store) Put(ctx context.Context, name, credType string, data []byte, tags []string) (string, error) {
	encrypted, err := s.encryptor.Encrypt(data)
	if err != nil {
		return "", fmt.Errorf("credential: encrypt: %w", err)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("credential: marshal tags: %w", err)
	}

	id := uuid.NewString()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO credential (credential_id, name, type, encrypted_data, tags)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET type = $3, encrypted_data = $4, tags = $5, updated_at = now()
	`, id, name, credType, []byte(encrypted), tagsJSON)
	if err != nil {
		return "", fmt.Errorf("credential: upsert: %w", err)
	}
	return id, nil
}

// Resolve materializes the decrypted credential for name (spec glossary
// "Credential: resolve(reference) → credential material"). Failure here
// is surfaced by the dispatcher as action_failed(failure_kind=auth_error).
func (s *Store) Resolve(ctx context.Context, name string) (model.CredentialRef, error) {
	var (
		credType       string
		encryptedBytes []byte
		tagsJSON       []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT type, encrypted_data, tags FROM credential WHERE name = $1
	`, name).Scan(&credType, &encryptedBytes, &tagsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CredentialRef{}, ErrNotFound
		}
		return model.CredentialRef{}, fmt.Errorf("credential: select: %w", err)
	}

	var tags []string
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &tags); err != nil {
			return model.CredentialRef{}, fmt.Errorf("credential: unmarshal tags: %w", err)
		}
	}

	data, err := s.encryptor.Decrypt(string(encryptedBytes))
	if err != nil {
		return model.CredentialRef{}, fmt.Errorf("credential: decrypt %q: %w", name, err)
	}

	return model.CredentialRef{Name: name, Type: credType, Data: data, Tags: tags}, nil
}
