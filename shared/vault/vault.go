// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Credential references come in three shapes:
//
//	plain text            -> returned as-is
//	enc:v1:<base64>       -> decrypted with the configured master key
//	arn:aws:secretsmanager:... -> fetched from AWS Secrets Manager
//
// A Resolver turns a stored reference into the plaintext credential at
// adapter-construction time, so plaintext keys never sit in the registry.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

const encryptedPrefix = "enc:v1:"

// IsEncrypted reports whether a credential reference requires decryption
func IsEncrypted(ref string) bool {
	return strings.HasPrefix(ref, encryptedPrefix)
}

// IsSecretARN reports whether a credential reference points at AWS Secrets Manager
func IsSecretARN(ref string) bool {
	return strings.HasPrefix(ref, "arn:aws:secretsmanager:")
}

// DecryptError marks a credential that exists but cannot be recovered.
// Callers treat this as non-retryable.
type DecryptError struct {
	Reason string
	Err    error
}

func (e *DecryptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential decryption failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("credential decryption failed: %s", e.Reason)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// AESVault resolves enc:v1 references with AES-256-GCM. The master key
// is provided once at construction and never logged.
type AESVault struct {
	aead cipher.AEAD
}

// NewAESVault creates a vault from a 32-byte master key
func NewAESVault(masterKey []byte) (*AESVault, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &AESVault{aead: aead}, nil
}

// NewAESVaultFromBase64 creates a vault from a base64-encoded master key,
// the form used by the MODELMUX_VAULT_KEY environment variable.
func NewAESVaultFromBase64(encoded string) (*AESVault, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64: %w", err)
	}
	return NewAESVault(key)
}

// Encrypt seals a plaintext credential into an enc:v1 reference
func (v *AESVault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Resolve returns the plaintext for a credential reference. Plain
// references pass through unchanged; Secrets Manager ARNs are rejected
// here and belong to the SecretsManagerResolver.
func (v *AESVault) Resolve(_ context.Context, ref string) (string, error) {
	if !IsEncrypted(ref) {
		if IsSecretARN(ref) {
			return "", fmt.Errorf("secrets manager references require a SecretsManagerResolver")
		}
		return ref, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ref, encryptedPrefix))
	if err != nil {
		return "", &DecryptError{Reason: "ciphertext is not valid base64", Err: err}
	}

	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", &DecryptError{Reason: "ciphertext shorter than nonce"}
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", &DecryptError{Reason: "authentication failed", Err: err}
	}

	return string(plaintext), nil
}

// ChainResolver tries a sequence of resolvers based on reference shape.
// Typically an AESVault followed by a SecretsManagerResolver.
type ChainResolver struct {
	vault   *AESVault
	secrets Resolver
}

// NewChainResolver builds a resolver that routes enc:v1 references to the
// vault and ARN references to the secrets resolver. Either may be nil,
// in which case references of that shape fail to resolve.
func NewChainResolver(vault *AESVault, secrets Resolver) *ChainResolver {
	return &ChainResolver{vault: vault, secrets: secrets}
}

func (c *ChainResolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case IsEncrypted(ref):
		if c.vault == nil {
			return "", &DecryptError{Reason: "no master key configured"}
		}
		return c.vault.Resolve(ctx, ref)
	case IsSecretARN(ref):
		if c.secrets == nil {
			return "", fmt.Errorf("no secrets manager resolver configured for %s", maskRef(ref))
		}
		return c.secrets.Resolve(ctx, ref)
	default:
		return ref, nil
	}
}

// maskRef shortens a reference for log output
func maskRef(ref string) string {
	if len(ref) <= 24 {
		return ref
	}
	return ref[:24] + "..."
}
