// Package providers assembles concrete provider adapters from per-account
// configuration blobs.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ericfisherdev/dupescan/internal/adapter/driven/anthropic"
	"github.com/ericfisherdev/dupescan/internal/adapter/driven/github"
	"github.com/ericfisherdev/dupescan/internal/adapter/driven/openaiembed"
	"github.com/ericfisherdev/dupescan/internal/application"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ application.ServiceResolver = (*Resolver)(nil)

// config is the schema of an account's provider configuration blob.
type config struct {
	GitHub struct {
		Token string `json:"token"`
	} `json:"github"`
	Chat struct {
		Provider string `json:"provider"`
		APIKey   string `json:"api_key"`
		Model    string `json:"model"`
	} `json:"chat"`
	Embedding struct {
		Provider   string `json:"provider"`
		APIKey     string `json:"api_key"`
		Model      string `json:"model"`
		Dimensions int    `json:"dimensions"`
	} `json:"embedding"`
}

// Resolver builds provider instances from an account's configuration and
// caches the handles per account id.
type Resolver struct {
	accounts driven.AccountStore
	vectors  driven.VectorStore

	mu    sync.Mutex
	cache map[int64]*application.Services
}

// NewResolver creates a resolver. The vector store is process-wide and is
// handed to every account's service bundle.
func NewResolver(accounts driven.AccountStore, vectors driven.VectorStore) *Resolver {
	return &Resolver{
		accounts: accounts,
		vectors:  vectors,
		cache:    make(map[int64]*application.Services),
	}
}

// Resolve returns the account's provider bundle, building and caching it on
// first use.
func (r *Resolver) Resolve(ctx context.Context, accountID int64) (*application.Services, error) {
	r.mu.Lock()
	if svc, ok := r.cache[accountID]; ok {
		r.mu.Unlock()
		return svc, nil
	}
	r.mu.Unlock()

	account, err := r.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %d: %w", accountID, err)
	}
	if account == nil {
		return nil, fmt.Errorf("account %d not found", accountID)
	}

	var cfg config
	if err := json.Unmarshal([]byte(account.ProviderConfig), &cfg); err != nil {
		return nil, fmt.Errorf("parse provider config for account %d: %w", accountID, err)
	}

	svc, err := r.build(cfg)
	if err != nil {
		return nil, fmt.Errorf("assemble providers for account %d: %w", accountID, err)
	}

	r.mu.Lock()
	// A concurrent resolve may have raced us here; first writer wins so all
	// scans of the account share one handle set.
	if cached, ok := r.cache[accountID]; ok {
		svc = cached
	} else {
		r.cache[accountID] = svc
	}
	r.mu.Unlock()

	return svc, nil
}

// Invalidate drops the cached handles so the next resolve re-reads the
// account configuration.
func (r *Resolver) Invalidate(accountID int64) {
	r.mu.Lock()
	delete(r.cache, accountID)
	r.mu.Unlock()
}

func (r *Resolver) build(cfg config) (*application.Services, error) {
	if cfg.GitHub.Token == "" {
		return nil, fmt.Errorf("github token not configured")
	}

	svc := &application.Services{
		CodeHost: github.NewClient(cfg.GitHub.Token),
		Vectors:  r.vectors,
	}

	switch cfg.Chat.Provider {
	case "anthropic":
		svc.Chat = anthropic.NewClient(cfg.Chat.APIKey, cfg.Chat.Model)
	default:
		return nil, fmt.Errorf("unsupported chat provider %q", cfg.Chat.Provider)
	}

	switch cfg.Embedding.Provider {
	case "openai":
		embedder, err := openaiembed.New(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimensions)
		if err != nil {
			return nil, err
		}
		svc.Embedding = embedder
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Embedding.Provider)
	}

	return svc, nil
}
