// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

func newTestVault(t *testing.T) *AESVault {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	v, err := NewAESVault(key)
	if err != nil {
		t.Fatalf("NewAESVault: %v", err)
	}
	return v
}

func TestAESVault_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	ref, err := v.Encrypt("sk-live-abc123")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !IsEncrypted(ref) {
		t.Fatalf("Encrypt produced reference without prefix: %q", ref)
	}

	got, err := v.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk-live-abc123" {
		t.Errorf("Resolve = %q, want %q", got, "sk-live-abc123")
	}
}

func TestAESVault_PlaintextPassthrough(t *testing.T) {
	v := newTestVault(t)

	got, err := v.Resolve(context.Background(), "sk-plain-key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk-plain-key" {
		t.Errorf("Resolve = %q, want passthrough", got)
	}
}

func TestAESVault_CorruptedCiphertext(t *testing.T) {
	v := newTestVault(t)

	tests := []struct {
		name string
		ref  string
	}{
		{"not base64", "enc:v1:!!!not-base64!!!"},
		{"too short", "enc:v1:" + base64.StdEncoding.EncodeToString([]byte("xx"))},
		{"tampered", func() string {
			ref, _ := v.Encrypt("secret")
			raw, _ := base64.StdEncoding.DecodeString(ref[len("enc:v1:"):])
			raw[len(raw)-1] ^= 0xFF
			return "enc:v1:" + base64.StdEncoding.EncodeToString(raw)
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Resolve(context.Background(), tt.ref)
			var de *DecryptError
			if !errors.As(err, &de) {
				t.Errorf("Resolve(%q) error = %v, want DecryptError", tt.ref, err)
			}
		})
	}
}

func TestAESVault_WrongKey(t *testing.T) {
	v1 := newTestVault(t)
	v2 := newTestVault(t)

	ref, err := v1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, err = v2.Resolve(context.Background(), ref)
	var de *DecryptError
	if !errors.As(err, &de) {
		t.Errorf("Resolve with wrong key error = %v, want DecryptError", err)
	}
}

func TestNewAESVault_KeyLength(t *testing.T) {
	if _, err := NewAESVault(make([]byte, 16)); err == nil {
		t.Error("expected 16-byte key to be rejected")
	}
	if _, err := NewAESVaultFromBase64("not-base64!!"); err == nil {
		t.Error("expected invalid base64 key to be rejected")
	}
}

type fakeSecretsAPI struct {
	secrets map[string]string
	calls   int
}

func (f *fakeSecretsAPI) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	v, ok := f.secrets[aws.ToString(params.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestSecretsManagerResolver_JSONAndPlainSecrets(t *testing.T) {
	jsonSecret, _ := json.Marshal(map[string]string{"api_key": "sk-from-json"})
	fake := &fakeSecretsAPI{secrets: map[string]string{
		"arn:aws:secretsmanager:us-east-1:123:secret:json":  string(jsonSecret),
		"arn:aws:secretsmanager:us-east-1:123:secret:plain": "sk-plain",
	}}
	r := &SecretsManagerResolver{
		client: fake,
		cache:  make(map[string]*secretCacheEntry),
		ttl:    time.Minute,
		logger: log.New(io.Discard, "", 0),
	}

	got, err := r.Resolve(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:json")
	if err != nil {
		t.Fatalf("Resolve json: %v", err)
	}
	if got != "sk-from-json" {
		t.Errorf("Resolve json = %q, want %q", got, "sk-from-json")
	}

	got, err = r.Resolve(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:plain")
	if err != nil {
		t.Fatalf("Resolve plain: %v", err)
	}
	if got != "sk-plain" {
		t.Errorf("Resolve plain = %q, want %q", got, "sk-plain")
	}
}

func TestSecretsManagerResolver_Caching(t *testing.T) {
	fake := &fakeSecretsAPI{secrets: map[string]string{
		"arn:aws:secretsmanager:us-east-1:123:secret:k": "sk-cached",
	}}
	r := &SecretsManagerResolver{
		client: fake,
		cache:  make(map[string]*secretCacheEntry),
		ttl:    time.Minute,
		logger: log.New(io.Discard, "", 0),
	}

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:k"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if fake.calls != 1 {
		t.Errorf("expected 1 API call with caching, got %d", fake.calls)
	}

	r.Invalidate("arn:aws:secretsmanager:us-east-1:123:secret:k")
	if _, err := r.Resolve(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:k"); err != nil {
		t.Fatalf("Resolve after invalidate: %v", err)
	}
	if fake.calls != 2 {
		t.Errorf("expected refetch after Invalidate, got %d calls", fake.calls)
	}
}

func TestChainResolver_Routing(t *testing.T) {
	v := newTestVault(t)
	encRef, _ := v.Encrypt("sk-enc")

	fake := &fakeSecretsAPI{secrets: map[string]string{
		"arn:aws:secretsmanager:us-east-1:123:secret:k": "sk-arn",
	}}
	sm := &SecretsManagerResolver{
		client: fake,
		cache:  make(map[string]*secretCacheEntry),
		ttl:    time.Minute,
		logger: log.New(io.Discard, "", 0),
	}

	chain := NewChainResolver(v, sm)

	tests := []struct {
		ref  string
		want string
	}{
		{encRef, "sk-enc"},
		{"arn:aws:secretsmanager:us-east-1:123:secret:k", "sk-arn"},
		{"sk-plain", "sk-plain"},
	}
	for _, tt := range tests {
		got, err := chain.Resolve(context.Background(), tt.ref)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.ref, err)
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}

	// Without a vault, encrypted references must fail with DecryptError.
	bare := NewChainResolver(nil, nil)
	_, err := bare.Resolve(context.Background(), encRef)
	var de *DecryptError
	if !errors.As(err, &de) {
		t.Errorf("Resolve without vault error = %v, want DecryptError", err)
	}
}
