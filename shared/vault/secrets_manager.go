// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretsAPI is the slice of the Secrets Manager client we use,
// extracted so tests can stub it.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerResolver resolves arn:aws:secretsmanager references,
// caching fetched values for a short TTL to keep adapter construction
// off the AWS API hot path.
type SecretsManagerResolver struct {
	client secretsAPI
	cache  map[string]*secretCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	logger *log.Logger
}

type secretCacheEntry struct {
	value     string
	expiresAt time.Time
}

// SecretsManagerOptions holds options for creating a SecretsManagerResolver
type SecretsManagerOptions struct {
	Region   string
	CacheTTL time.Duration
	Logger   *log.Logger
}

// NewSecretsManagerResolver creates a resolver backed by AWS Secrets Manager
func NewSecretsManagerResolver(ctx context.Context, opts SecretsManagerOptions) (*SecretsManagerResolver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[VAULT] ", log.LstdFlags)
	}

	cfgOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &SecretsManagerResolver{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*secretCacheEntry),
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Resolve fetches the secret behind an ARN. Secrets stored as JSON
// objects must carry the credential under an "api_key" or "value" key;
// plain string secrets are returned whole.
func (s *SecretsManagerResolver) Resolve(ctx context.Context, ref string) (string, error) {
	s.mu.RLock()
	entry, exists := s.cache[ref]
	s.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	s.logger.Printf("Fetching secret %s from AWS Secrets Manager", maskRef(ref))

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", maskRef(ref), err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", maskRef(ref))
	}

	value := extractCredential(*result.SecretString)

	s.mu.Lock()
	s.cache[ref] = &secretCacheEntry{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

// Invalidate removes a secret from the cache, forcing a refetch
func (s *SecretsManagerResolver) Invalidate(ref string) {
	s.mu.Lock()
	delete(s.cache, ref)
	s.mu.Unlock()
}

func extractCredential(secretString string) string {
	var fields map[string]string
	if err := json.Unmarshal([]byte(secretString), &fields); err != nil {
		return secretString
	}
	if v, ok := fields["api_key"]; ok {
		return v
	}
	if v, ok := fields["value"]; ok {
		return v
	}
	return secretString
}
