// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/modelmux/modelmux/shared/security"
	"github.com/modelmux/modelmux/shared/vault"
)

// Adapter is the capability-uniform interface over heterogeneous
// vendor APIs. Adapters are stateless beyond their HTTP client and
// safe to cache per (provider, endpoint) for the process lifetime.
type Adapter interface {
	// SupportsText reports whether GenerateText is implemented.
	SupportsText() bool

	// SupportsImage reports whether GenerateImage is implemented.
	SupportsImage() bool

	// ListModels returns the models usable for a task kind. Used as
	// the cheapest health probe.
	ListModels(ctx context.Context, task TaskKind) ([]string, error)

	// DefaultModel returns the model used when the caller names none.
	DefaultModel(task TaskKind) string

	// GenerateText performs a text generation call.
	GenerateText(ctx context.Context, req TextRequest) (*TextResult, error)

	// GenerateImage performs an image generation call.
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error)
}

// AdapterConfig is everything a factory needs to construct an adapter.
// APIKey is the resolved plaintext credential; it lives only for the
// duration of construction.
type AdapterConfig struct {
	ProviderName string
	ProviderType ProviderType
	Endpoint     string
	APIKey       string
	Models       map[TaskKind][]string
}

// AdapterFactory constructs an adapter for one provider type.
// Factories are registered during package init() by the vendor
// subpackages.
type AdapterFactory func(config AdapterConfig) (Adapter, error)

// adapterFactories is the global factory registry.
var adapterFactories = struct {
	mu        sync.RWMutex
	factories map[ProviderType]AdapterFactory
}{factories: make(map[ProviderType]AdapterFactory)}

// RegisterFactory registers a factory for a provider type, overwriting
// any existing registration. Typically called from init().
func RegisterFactory(providerType ProviderType, factory AdapterFactory) {
	adapterFactories.mu.Lock()
	defer adapterFactories.mu.Unlock()
	adapterFactories.factories[providerType] = factory
}

// GetFactory returns the factory for a provider type, or nil.
func GetFactory(providerType ProviderType) AdapterFactory {
	adapterFactories.mu.RLock()
	defer adapterFactories.mu.RUnlock()
	return adapterFactories.factories[providerType]
}

// ListFactories returns all registered provider types.
func ListFactories() []ProviderType {
	adapterFactories.mu.RLock()
	defer adapterFactories.mu.RUnlock()
	types := make([]ProviderType, 0, len(adapterFactories.factories))
	for pt := range adapterFactories.factories {
		types = append(types, pt)
	}
	return types
}

// AdapterBuilder constructs and caches adapters. Construction resolves
// the provider's credential through the vault (at most once per call)
// and validates the endpoint against the SSRF rules before any factory
// runs. Cache entries are keyed by (provider id, endpoint) so an
// endpoint change produces a fresh adapter.
type AdapterBuilder struct {
	resolver vault.Resolver
	urlOpts  security.URLValidationOptions
	logger   *log.Logger

	mu    sync.RWMutex
	cache map[string]Adapter
}

// BuilderOption configures an AdapterBuilder.
type BuilderOption func(*AdapterBuilder)

// WithCredentialResolver sets the vault used to resolve credential
// references. Without one, only plaintext references work.
func WithCredentialResolver(r vault.Resolver) BuilderOption {
	return func(b *AdapterBuilder) { b.resolver = r }
}

// WithURLValidation sets the outbound URL validation options.
func WithURLValidation(opts security.URLValidationOptions) BuilderOption {
	return func(b *AdapterBuilder) { b.urlOpts = opts }
}

// WithBuilderLogger sets the builder's logger.
func WithBuilderLogger(logger *log.Logger) BuilderOption {
	return func(b *AdapterBuilder) { b.logger = logger }
}

// NewAdapterBuilder creates a builder with production URL validation
// defaults.
func NewAdapterBuilder(opts ...BuilderOption) *AdapterBuilder {
	b := &AdapterBuilder{
		urlOpts: security.DefaultURLValidationOptions(security.EnvProduction),
		logger:  log.New(os.Stdout, "[AI ADAPTER] ", log.LstdFlags),
		cache:   make(map[string]Adapter),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the adapter for a provider, constructing it on first
// use. Errors are classified: decrypt failures as credential_corrupted,
// URL rejections as validation_rejected, missing factories as
// configuration_missing.
func (b *AdapterBuilder) Build(ctx context.Context, p *Provider) (Adapter, error) {
	key := p.ID + "|" + p.Endpoint

	b.mu.RLock()
	adapter, ok := b.cache[key]
	b.mu.RUnlock()
	if ok {
		return adapter, nil
	}

	factory := GetFactory(p.Type)
	if factory == nil {
		return nil, NewProviderError(p.Name, ErrCodeConfigurationMissing,
			fmt.Sprintf("no adapter registered for provider type %q", p.Type), nil)
	}

	// Bedrock and friends authenticate out of band; skip the vault.
	apiKey := ""
	if p.CredentialRef != "" {
		resolved, err := b.resolveCredential(ctx, p.CredentialRef)
		if err != nil {
			return nil, NewProviderError(p.Name, ErrCodeCredentialCorrupted,
				"cannot resolve provider credential", err)
		}
		apiKey = resolved
	}

	if p.Endpoint != "" {
		if err := security.ValidateOutboundURL(p.Endpoint, b.urlOpts); err != nil {
			return nil, NewProviderError(p.Name, ErrCodeValidationRejected,
				fmt.Sprintf("endpoint %s rejected", security.SanitizeLogString(p.Endpoint)), err)
		}
	}

	adapter, err := factory(AdapterConfig{
		ProviderName: p.Name,
		ProviderType: p.Type,
		Endpoint:     p.Endpoint,
		APIKey:       apiKey,
		Models:       p.Models,
	})
	if err != nil {
		return nil, NewProviderError(p.Name, ErrCodeConfigurationMissing,
			"adapter construction failed", err)
	}

	b.mu.Lock()
	b.cache[key] = adapter
	b.mu.Unlock()

	b.logger.Printf("Built %s adapter for provider %s", p.Type, p.Name)
	return adapter, nil
}

// resolveCredential runs the reference through the vault. Plaintext
// references pass through when no resolver is configured.
func (b *AdapterBuilder) resolveCredential(ctx context.Context, ref string) (string, error) {
	if b.resolver == nil {
		if vault.IsEncrypted(ref) || vault.IsSecretARN(ref) {
			return "", errors.New("credential reference requires a vault resolver")
		}
		return ref, nil
	}
	return b.resolver.Resolve(ctx, ref)
}

// Evict drops the cached adapter for a provider, forcing a rebuild on
// next use. Called when a provider's credential or endpoint changes.
func (b *AdapterBuilder) Evict(providerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.cache {
		if len(key) > len(providerID) && key[:len(providerID)] == providerID && key[len(providerID)] == '|' {
			delete(b.cache, key)
		}
	}
}
