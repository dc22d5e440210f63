package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// ProtectionRequest carries everything a DRM provider needs to protect one
// video's published assets.
type ProtectionRequest struct {
	VideoID    string
	MasterPath string
	Renditions []string
}

// ProtectionResult reports what the provider applied.
type ProtectionResult struct {
	Provider string
	KeyID    string
	Metadata map[string]string
}

// ProtectionProvider applies content protection to already-encoded assets.
// Providers must be safe for concurrent use; protection failures never fail
// the processing job.
type ProtectionProvider interface {
	Name() string
	Protect(ctx context.Context, req ProtectionRequest) (ProtectionResult, error)
}

type protectionRegistry struct {
	mu        sync.RWMutex
	providers map[string]ProtectionProvider
}

var protectionProviders = &protectionRegistry{providers: map[string]ProtectionProvider{}}

// RegisterProtectionProvider makes a provider selectable by name. Later
// registrations with the same name replace earlier ones.
func RegisterProtectionProvider(provider ProtectionProvider) {
	protectionProviders.mu.Lock()
	defer protectionProviders.mu.Unlock()
	protectionProviders.providers[strings.ToLower(provider.Name())] = provider
}

// ProtectionProviderByName resolves a registered provider.
func ProtectionProviderByName(name string) (ProtectionProvider, error) {
	protectionProviders.mu.RLock()
	defer protectionProviders.mu.RUnlock()
	provider, ok := protectionProviders.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		names := make([]string, 0, len(protectionProviders.providers))
		for key := range protectionProviders.providers {
			names = append(names, key)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown protection provider %q (registered: %s)", name, strings.Join(names, ", "))
	}
	return provider, nil
}

const (
	localKeyIterations = 4096
	localKeyLength     = 16
)

// LocalKeyProvider derives a deterministic per-video content key from a
// process-level secret. It is the built-in provider for environments without
// a commercial license server.
type LocalKeyProvider struct {
	secret []byte
}

func NewLocalKeyProvider(secret string) (*LocalKeyProvider, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("protection secret is required")
	}
	return &LocalKeyProvider{secret: []byte(secret)}, nil
}

func (p *LocalKeyProvider) Name() string { return "localkey" }

func (p *LocalKeyProvider) Protect(ctx context.Context, req ProtectionRequest) (ProtectionResult, error) {
	if err := ctx.Err(); err != nil {
		return ProtectionResult{}, err
	}
	if strings.TrimSpace(req.VideoID) == "" {
		return ProtectionResult{}, fmt.Errorf("video id is required")
	}
	key := pbkdf2.Key(p.secret, []byte(req.VideoID), localKeyIterations, localKeyLength, sha256.New)
	return ProtectionResult{
		Provider: p.Name(),
		KeyID:    hex.EncodeToString(key),
		Metadata: map[string]string{"scheme": "aes-128"},
	}, nil
}

// licensedProvider is the contract stub for commercial DRM systems. It fails
// until a license server endpoint is configured, keeping the provider names
// selectable without shipping vendor integrations.
type licensedProvider struct {
	name          string
	licenseServer string
}

func (p *licensedProvider) Name() string { return p.name }

func (p *licensedProvider) Protect(ctx context.Context, req ProtectionRequest) (ProtectionResult, error) {
	if err := ctx.Err(); err != nil {
		return ProtectionResult{}, err
	}
	if strings.TrimSpace(p.licenseServer) == "" {
		return ProtectionResult{}, fmt.Errorf("%s: no license server configured", p.name)
	}
	return ProtectionResult{
		Provider: p.name,
		Metadata: map[string]string{"licenseServer": p.licenseServer},
	}, nil
}

// ConfigureLicensedProviders registers the commercial provider names with the
// given license server endpoint (possibly empty).
func ConfigureLicensedProviders(licenseServer string) {
	for _, name := range []string{"widevine", "playready", "fairplay"} {
		RegisterProtectionProvider(&licensedProvider{name: name, licenseServer: licenseServer})
	}
}
