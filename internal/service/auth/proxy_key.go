// Package auth authenticates relay callers by proxy key.
//
// A proxy token has the form "<key id>.<secret>". The key id selects the
// stored ProxyKey and the secret is checked against its bcrypt hash.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/redact"
	"github.com/phrazzld/relay-api/internal/store"
)

// ParseToken splits a proxy token into its key id and secret.
func ParseToken(token string) (uuid.UUID, string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return uuid.Nil, "", ErrMissingToken
	}
	idPart, secret, ok := strings.Cut(token, ".")
	if !ok || secret == "" {
		return uuid.Nil, "", ErrMalformedToken
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, "", ErrMalformedToken
	}
	return id, secret, nil
}

// FormatToken joins a key id and secret into a proxy token.
func FormatToken(id uuid.UUID, secret string) string {
	return id.String() + "." + secret
}

// Issued is a freshly generated proxy key. Token is shown once and never stored.
type Issued struct {
	Key   *domain.ProxyKey
	Token string
}

// GenerateKey creates a new active proxy key and its token.
func GenerateKey(cost int, defaultCallbackURL, siteID string) (*Issued, error) {
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}
	hash, err := HashSecret(secret, cost)
	if err != nil {
		return nil, err
	}
	key := &domain.ProxyKey{
		ID:                 uuid.New(),
		TokenHash:          hash,
		Active:             true,
		DefaultCallbackURL: defaultCallbackURL,
		SiteID:             siteID,
		CreatedAt:          time.Now().UTC(),
	}
	return &Issued{Key: key, Token: FormatToken(key.ID, secret)}, nil
}

// Authenticator resolves proxy tokens to stored keys.
type Authenticator struct {
	keys     store.ProxyKeyStore
	verifier SecretVerifier
	logger   *slog.Logger
}

// NewAuthenticator creates an Authenticator. A nil verifier uses bcrypt.
func NewAuthenticator(keys store.ProxyKeyStore, verifier SecretVerifier, logger *slog.Logger) *Authenticator {
	if keys == nil {
		panic("auth: proxy key store is required")
	}
	if verifier == nil {
		verifier = NewBcryptVerifier()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		keys:     keys,
		verifier: verifier,
		logger:   logger.With(slog.String("component", "proxy_auth")),
	}
}

// Authenticate returns the active key matching token. It returns
// ErrMissingToken for an empty token and ErrInvalidToken for everything a
// caller could have gotten wrong. Store failures are returned wrapped.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*domain.ProxyKey, error) {
	log := logger.FromContextOrDefault(ctx, a.logger)

	id, secret, err := ParseToken(token)
	if err != nil {
		if errors.Is(err, ErrMissingToken) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	key, err := a.keys.GetByID(ctx, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			log.Debug("unknown proxy key", slog.String("key_id", id.String()))
			return nil, ErrInvalidToken
		}
		log.Error("proxy key lookup failed", slog.String("error", redact.Error(err)))
		return nil, fmt.Errorf("failed to load proxy key: %w", err)
	}
	if !key.Active {
		log.Debug("inactive proxy key", slog.String("key_id", id.String()))
		return nil, ErrInvalidToken
	}
	if err := a.verifier.Compare(key.TokenHash, secret); err != nil {
		log.Debug("proxy key secret mismatch", slog.String("key_id", id.String()))
		return nil, ErrInvalidToken
	}
	return key, nil
}
