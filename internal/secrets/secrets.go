// Package secrets resolves provider API keys. Keys follow the
// {PROVIDER}_API_KEY naming convention whatever the backing store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/felipepmaragno/ai-router/internal/crypto"
)

var ErrSecretNotFound = errors.New("secret not found")

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// EnvSecretStore reads secrets from the process environment.
type EnvSecretStore struct {
	lookup func(string) (string, bool)
}

func NewEnvSecretStore() *EnvSecretStore {
	return &EnvSecretStore{lookup: os.LookupEnv}
}

func (s *EnvSecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	value, ok := s.lookup(name)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

func (s *InMemorySecretStore) DeleteSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}

// ChainStore asks each store in turn and returns the first hit.
type ChainStore struct {
	stores []SecretStore
}

func NewChainStore(stores ...SecretStore) *ChainStore {
	return &ChainStore{stores: stores}
}

func (c *ChainStore) GetSecret(ctx context.Context, name string) (string, error) {
	var errs []error
	for _, s := range c.stores {
		value, err := s.GetSecret(ctx, name)
		if err == nil {
			return value, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return "", errors.Join(errs...)
}

// EncryptedStore decrypts values that were stored AES-GCM encrypted.
type EncryptedStore struct {
	inner     SecretStore
	encryptor *crypto.Encryptor
}

func NewEncryptedStore(inner SecretStore, encryptor *crypto.Encryptor) *EncryptedStore {
	return &EncryptedStore{inner: inner, encryptor: encryptor}
}

func (s *EncryptedStore) GetSecret(ctx context.Context, name string) (string, error) {
	ciphertext, err := s.inner.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	plaintext, err := s.encryptor.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %s: %w", name, err)
	}
	return plaintext, nil
}
