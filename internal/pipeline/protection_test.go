package pipeline

import (
	"context"
	"testing"
)

func TestLocalKeyProviderDeterministic(t *testing.T) {
	provider, err := NewLocalKeyProvider("unit-test-secret")
	if err != nil {
		t.Fatalf("NewLocalKeyProvider: %v", err)
	}

	first, err := provider.Protect(context.Background(), ProtectionRequest{VideoID: "vid-1"})
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	second, err := provider.Protect(context.Background(), ProtectionRequest{VideoID: "vid-1"})
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if first.KeyID == "" || first.KeyID != second.KeyID {
		t.Fatalf("expected stable key id, got %q and %q", first.KeyID, second.KeyID)
	}

	other, err := provider.Protect(context.Background(), ProtectionRequest{VideoID: "vid-2"})
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if other.KeyID == first.KeyID {
		t.Fatalf("expected distinct keys per video")
	}
}

func TestLocalKeyProviderRequiresSecretAndVideoID(t *testing.T) {
	if _, err := NewLocalKeyProvider("  "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	provider, err := NewLocalKeyProvider("secret")
	if err != nil {
		t.Fatalf("NewLocalKeyProvider: %v", err)
	}
	if _, err := provider.Protect(context.Background(), ProtectionRequest{}); err == nil {
		t.Fatalf("expected error for missing video id")
	}
}

func TestProtectionProviderRegistry(t *testing.T) {
	provider, err := NewLocalKeyProvider("secret")
	if err != nil {
		t.Fatalf("NewLocalKeyProvider: %v", err)
	}
	RegisterProtectionProvider(provider)

	resolved, err := ProtectionProviderByName("LocalKey")
	if err != nil {
		t.Fatalf("ProtectionProviderByName: %v", err)
	}
	if resolved.Name() != "localkey" {
		t.Fatalf("expected localkey provider, got %q", resolved.Name())
	}

	if _, err := ProtectionProviderByName("no-such-provider"); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestLicensedProviderRequiresLicenseServer(t *testing.T) {
	ConfigureLicensedProviders("")
	provider, err := ProtectionProviderByName("widevine")
	if err != nil {
		t.Fatalf("ProtectionProviderByName: %v", err)
	}
	if _, err := provider.Protect(context.Background(), ProtectionRequest{VideoID: "vid-1"}); err == nil {
		t.Fatalf("expected failure without license server")
	}

	ConfigureLicensedProviders("https://license.example.com")
	provider, err = ProtectionProviderByName("playready")
	if err != nil {
		t.Fatalf("ProtectionProviderByName: %v", err)
	}
	result, err := provider.Protect(context.Background(), ProtectionRequest{VideoID: "vid-1"})
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if result.Metadata["licenseServer"] != "https://license.example.com" {
		t.Fatalf("expected license server metadata, got %v", result.Metadata)
	}
}
