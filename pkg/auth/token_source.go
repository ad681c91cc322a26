package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// TokenSourceProvider adapts an oauth2.TokenSource to CredentialProvider.
//
// The current token is read under a read lock by any number of in-flight
// requests. Fetching a new token goes through a singleflight group, so concurrent
// callers that find the token expired share one call to the source.
type TokenSourceProvider struct {
	src   oauth2.TokenSource
	mu    sync.RWMutex
	token *oauth2.Token
	group singleflight.Group
	hooks refreshHooks
}

// NewTokenSource creates a provider backed by src. src should not cache tokens
// itself if forced refreshes are expected to reach the authorization server.
func NewTokenSource(src oauth2.TokenSource) *TokenSourceProvider {
	return &TokenSourceProvider{src: src}
}

// Headers implements CredentialProvider.
func (p *TokenSourceProvider) Headers(ctx context.Context) (http.Header, error) {
	p.mu.RLock()
	tok := p.token
	p.mu.RUnlock()

	if !tok.Valid() {
		var err error
		tok, err = p.fetch(ctx)
		if err != nil {
			return nil, err
		}
	}

	h := http.Header{}
	tok.SetAuthHeader(&http.Request{Header: h})
	return h, nil
}

// OnRefresh implements CredentialProvider.
func (p *TokenSourceProvider) OnRefresh(fn func()) {
	p.hooks.add(fn)
}

// Refresh implements Refresher. It drops the cached token and fetches a new one.
func (p *TokenSourceProvider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	p.token = nil
	p.mu.Unlock()

	_, err := p.fetch(ctx)
	return err
}

func (p *TokenSourceProvider) fetch(ctx context.Context) (*oauth2.Token, error) {
	ch := p.group.DoChan("token", func() (interface{}, error) {
		p.mu.RLock()
		current := p.token
		p.mu.RUnlock()
		if current.Valid() {
			return current, nil
		}

		tok, err := p.src.Token()
		if err != nil {
			return nil, fmt.Errorf("fetch token: %w", err)
		}

		p.mu.Lock()
		p.token = tok
		p.mu.Unlock()

		p.hooks.notify()
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}
