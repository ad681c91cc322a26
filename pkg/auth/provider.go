// Package auth defines the credential provider contract consumed by the transport
// and a few ready-made providers. Token acquisition protocols live elsewhere; a
// provider only hands out the current headers and announces refreshes.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
)

// ErrNoCredentials is returned by providers that have nothing to offer.
var ErrNoCredentials = errors.New("no credentials configured")

// CredentialProvider supplies the authentication headers for an outgoing request.
//
// Headers is called immediately before every attempt and must be safe for
// concurrent use. OnRefresh registers a callback invoked after the provider has
// replaced its credentials.
type CredentialProvider interface {
	Headers(ctx context.Context) (http.Header, error)
	OnRefresh(fn func())
}

// Refresher is implemented by providers that can obtain new credentials on demand,
// for example after the server answered 401. Implementations serialize refreshes so
// at most one runs at a time.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// refreshHooks stores OnRefresh callbacks.
type refreshHooks struct {
	mu  sync.Mutex
	fns []func()
}

func (h *refreshHooks) add(fn func()) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns = append(h.fns, fn)
}

func (h *refreshHooks) notify() {
	h.mu.Lock()
	fns := make([]func(), len(h.fns))
	copy(fns, h.fns)
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// APIKeyProvider authenticates with a platform API key sent as the basic-auth username.
type APIKeyProvider struct {
	header string
	hooks  refreshHooks
}

// NewAPIKey creates a provider for the given API key.
func NewAPIKey(key string) *APIKeyProvider {
	encoded := base64.StdEncoding.EncodeToString([]byte(key + ":"))
	return &APIKeyProvider{header: "Basic " + encoded}
}

// Headers implements CredentialProvider.
func (p *APIKeyProvider) Headers(ctx context.Context) (http.Header, error) {
	if p.header == "" {
		return nil, ErrNoCredentials
	}
	h := http.Header{}
	h.Set("Authorization", p.header)
	return h, nil
}

// OnRefresh implements CredentialProvider. API keys never refresh.
func (p *APIKeyProvider) OnRefresh(fn func()) {
	p.hooks.add(fn)
}

// StaticTokenProvider sends a fixed bearer token.
type StaticTokenProvider struct {
	token string
	hooks refreshHooks
}

// NewStaticToken creates a provider for a bearer token that is never refreshed.
func NewStaticToken(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

// Headers implements CredentialProvider.
func (p *StaticTokenProvider) Headers(ctx context.Context) (http.Header, error) {
	if p.token == "" {
		return nil, ErrNoCredentials
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.token)
	return h, nil
}

// OnRefresh implements CredentialProvider.
func (p *StaticTokenProvider) OnRefresh(fn func()) {
	p.hooks.add(fn)
}

// Anonymous sends no credentials. Useful for pre-signed URLs and tests.
type Anonymous struct{}

// Headers implements CredentialProvider.
func (Anonymous) Headers(ctx context.Context) (http.Header, error) {
	return http.Header{}, nil
}

// OnRefresh implements CredentialProvider.
func (Anonymous) OnRefresh(fn func()) {}
