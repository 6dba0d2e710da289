package venue

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"tracking-core/internal/store"
	"tracking-core/pkg/crypto"
)

// Credentials are the plaintext API keys handed to a venue client factory.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Empty reports whether no key material is present.
func (c Credentials) Empty() bool { return c.APIKey == "" && c.APISecret == "" }

// CredentialStore resolves a wallet's credentials. Decryption at rest is
// the store's concern.
type CredentialStore interface {
	Credentials(ctx context.Context, w *store.Wallet) (Credentials, error)
}

// StaticCredentials is an in-memory CredentialStore keyed by wallet id.
// Wallets without an entry resolve to empty credentials.
type StaticCredentials struct {
	mu   sync.RWMutex
	keys map[string]Credentials
}

func NewStaticCredentials() *StaticCredentials {
	return &StaticCredentials{keys: make(map[string]Credentials)}
}

func (s *StaticCredentials) Put(walletID string, c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[walletID] = c
}

func (s *StaticCredentials) Credentials(_ context.Context, w *store.Wallet) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[w.ID], nil
}

// Opener decrypts a sealed secret; *crypto.Keyring satisfies it.
type Opener interface {
	Open(sealed string) (string, error)
}

type sealedPair struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// SealedCredentials serves wallet keys kept encrypted at rest. Secrets are
// opened on every lookup and never cached in plaintext.
type SealedCredentials struct {
	opener Opener
	sealed map[string]sealedPair
}

// LoadSealedCredentials parses
//
//	wallets:
//	  <wallet id>: {api_key: ENC[v1]:..., api_secret: ENC[v1]:...}
func LoadSealedCredentials(data []byte, opener Opener) (*SealedCredentials, error) {
	var doc struct {
		Wallets map[string]sealedPair `yaml:"wallets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	for id, p := range doc.Wallets {
		if !crypto.IsSealed(p.APIKey) || !crypto.IsSealed(p.APISecret) {
			return nil, fmt.Errorf("credentials for wallet %s are not sealed", id)
		}
	}
	if doc.Wallets == nil {
		doc.Wallets = make(map[string]sealedPair)
	}
	return &SealedCredentials{opener: opener, sealed: doc.Wallets}, nil
}

func (s *SealedCredentials) Credentials(_ context.Context, w *store.Wallet) (Credentials, error) {
	p, ok := s.sealed[w.ID]
	if !ok {
		return Credentials{}, nil
	}
	key, err := s.opener.Open(p.APIKey)
	if err != nil {
		return Credentials{}, fmt.Errorf("open api key of wallet %s: %w", w.ID, err)
	}
	secret, err := s.opener.Open(p.APISecret)
	if err != nil {
		return Credentials{}, fmt.Errorf("open api secret of wallet %s: %w", w.ID, err)
	}
	return Credentials{APIKey: key, APISecret: secret}, nil
}
