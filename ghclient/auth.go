// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

package ghclient

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v65/github"
	"golang.org/x/oauth2"
)

// tokenExpirySlack refreshes cached installation tokens slightly before
// GitHub's reported expiry, in case our clocks aren't synchronized.
const tokenExpirySlack = 2 * time.Minute

// ParsePrivateKey parses a GitHub App RSA signing key in PEM format.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("unable to decode the private key as PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unable to parse the RSA private key: %v", err)
	}
	return key, nil
}

// appJWT generates a short-lived JWT identifying the GitHub App itself. It is
// only used to list installations and mint installation tokens.
func appJWT(appID int64, key *rsa.PrivateKey) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", appID),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("unable to sign the app JWT: %v", err)
	}
	return signedToken, nil
}

// appClient returns a GitHub client authenticated as the app (JWT). The JWT
// is freshly generated per client, so don't hold on to the result.
func (c *Client) appClient(ctx context.Context) (*github.Client, error) {
	token, err := appJWT(c.appID, c.privateKey)
	if err != nil {
		return nil, err
	}
	return tokenGitHubClient(ctx, token), nil
}

func tokenGitHubClient(ctx context.Context, token string) *github.Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, tokenSource))
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// tokenCache caches installation tokens until shortly before expiry so that a
// sync tick doesn't mint one token per API call.
type tokenCache struct {
	mu     sync.Mutex
	tokens map[int64]cachedToken
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[int64]cachedToken)}
}

func (tc *tokenCache) get(installationID int64) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	cached, ok := tc.tokens[installationID]
	if !ok || time.Until(cached.expiresAt) < tokenExpirySlack {
		return "", false
	}
	return cached.token, true
}

func (tc *tokenCache) put(installationID int64, token string, expiresAt time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.tokens[installationID] = cachedToken{token: token, expiresAt: expiresAt}
}

// installationToken returns a valid (possibly cached) token for the
// installation.
func (c *Client) installationToken(ctx context.Context, installationID int64) (string, error) {
	if token, ok := c.tokenCache.get(installationID); ok {
		return token, nil
	}

	appClient, err := c.appClient(ctx)
	if err != nil {
		return "", err
	}
	installationToken, _, err := appClient.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", fmt.Errorf("unable to create an installation token for installation %v: %w", installationID, err)
	}

	c.tokenCache.put(installationID, installationToken.GetToken(), installationToken.GetExpiresAt().Time)
	return installationToken.GetToken(), nil
}
