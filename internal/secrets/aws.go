package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type GetSecretValueAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager resolves names as prefix+name (e.g. "ai-router/OPENAI_API_KEY")
// and caches values for ttl so a hot dispatch path does not call AWS per attempt.
type AWSSecretsManager struct {
	client GetSecretValueAPI
	prefix string
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cachedSecret
	now   func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

const DefaultCacheTTL = 5 * time.Minute

func NewAWSSecretsManager(ctx context.Context, region, prefix string, ttl time.Duration) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg), prefix, ttl), nil
}

// NewAWSSecretsManagerWithClient caches values for ttl, DefaultCacheTTL when ttl <= 0.
func NewAWSSecretsManagerWithClient(client GetSecretValueAPI, prefix string, ttl time.Duration) *AWSSecretsManager {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &AWSSecretsManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		cache:  make(map[string]cachedSecret),
		now:    time.Now,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	id := s.prefix + name

	s.mu.RLock()
	cached, ok := s.cache[id]
	s.mu.RUnlock()
	if ok && s.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", id, err)
	}
	if result.SecretString == nil || *result.SecretString == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, id)
	}

	s.mu.Lock()
	s.cache[id] = cachedSecret{value: *result.SecretString, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return *result.SecretString, nil
}


