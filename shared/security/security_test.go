// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"strings"
	"testing"
)

func TestValidateOutboundURL_MetadataEndpoints(t *testing.T) {
	// Metadata endpoints must be rejected regardless of environment.
	urls := []string{
		"http://169.254.169.254/latest/meta-data/",
		"https://169.254.169.254/latest/meta-data/",
		"http://metadata.google.internal/computeMetadata/v1/",
	}

	for _, env := range []Environment{EnvProduction, EnvDevelopment} {
		for _, u := range urls {
			opts := URLValidationOptions{Environment: env, AllowedSchemes: []string{"https", "http"}}
			if err := ValidateOutboundURL(u, opts); err == nil {
				t.Errorf("env=%s url=%s: expected rejection, got nil", env, u)
			}
		}
	}
}

func TestValidateOutboundURL_PrivateIPs(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		env     Environment
		wantErr bool
	}{
		{"loopback rejected in production", "https://127.0.0.1/v1", EnvProduction, true},
		{"rfc1918 rejected in production", "https://10.0.0.5/v1", EnvProduction, true},
		{"rfc1918 172 rejected in production", "https://172.16.0.1/v1", EnvProduction, true},
		{"rfc1918 192 rejected in production", "https://192.168.1.10/v1", EnvProduction, true},
		{"cgnat rejected in production", "https://100.64.0.1/v1", EnvProduction, true},
		{"loopback allowed in development", "http://127.0.0.1:8080/v1", EnvDevelopment, false},
		{"rfc1918 allowed in development", "http://192.168.1.10:11434/v1", EnvDevelopment, false},
		{"metadata range rejected in development", "http://169.254.10.10/v1", EnvDevelopment, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := URLValidationOptions{Environment: tt.env, AllowedSchemes: []string{"https", "http"}}
			err := ValidateOutboundURL(tt.url, opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOutboundURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateOutboundURL_Schemes(t *testing.T) {
	opts := DefaultURLValidationOptions(EnvProduction)

	if err := ValidateOutboundURL("http://api.example.com/v1", opts); err == nil {
		t.Error("expected http to be rejected in production")
	}
	if err := ValidateOutboundURL("file:///etc/passwd", opts); err == nil {
		t.Error("expected file scheme to be rejected")
	}
	if err := ValidateOutboundURL("gopher://api.example.com", opts); err == nil {
		t.Error("expected gopher scheme to be rejected")
	}
}

func TestValidateOutboundURL_HostLists(t *testing.T) {
	opts := URLValidationOptions{
		Environment:         EnvDevelopment,
		AllowedSchemes:      []string{"https"},
		AllowedHostSuffixes: []string{".openai.com"},
	}

	if err := ValidateOutboundURL("https://api.openai.com/v1", opts); err != nil {
		t.Errorf("allowed suffix rejected: %v", err)
	}
	if err := ValidateOutboundURL("https://api.evil.example/v1", opts); err == nil {
		t.Error("expected host outside allowlist to be rejected")
	}

	opts = URLValidationOptions{
		Environment:    EnvDevelopment,
		AllowedSchemes: []string{"https"},
		BlockedHosts:   []string{"internal.corp"},
	}
	if err := ValidateOutboundURL("https://api.internal.corp/v1", opts); err == nil {
		t.Error("expected blocked host suffix to be rejected")
	}
}

func TestValidateOutboundURL_Malformed(t *testing.T) {
	opts := DefaultURLValidationOptions(EnvDevelopment)

	if err := ValidateOutboundURL("", opts); err == nil {
		t.Error("expected empty URL to be rejected")
	}
	if err := ValidateOutboundURL("https://", opts); err == nil {
		t.Error("expected URL without hostname to be rejected")
	}
}

func TestSanitizeLogString(t *testing.T) {
	got := SanitizeLogString("line1\nline2\rend")
	if strings.ContainsAny(got, "\n\r") {
		t.Errorf("control characters survived sanitization: %q", got)
	}

	long := strings.Repeat("a", 600)
	got = SanitizeLogString(long)
	if len(got) > 520 {
		t.Errorf("long string not truncated, len=%d", len(got))
	}
}
