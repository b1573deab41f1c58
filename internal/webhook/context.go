package webhook

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Query parameters carried on the relay's webhook URL.
const (
	ContextParam  = "ctx"
	CallbackParam = "cb"
)

const contextIssuer = "relay-api"

var (
	// ErrMalformedContext is returned when the signed context cannot be parsed.
	ErrMalformedContext = errors.New("malformed webhook context")
	// ErrInvalidContext is returned when the signed context fails verification.
	ErrInvalidContext = errors.New("invalid webhook context")
)

// ContextClaims is the signed context embedded in a webhook URL. It lets the
// receiver notify the caller without a task row.
type ContextClaims struct {
	CallbackURL string `json:"cb"`
	SiteID      string `json:"site,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies signed webhook contexts as HS256 tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a Signer. A Signer with an empty secret verifies nothing.
func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether a signing secret is configured.
func (s *Signer) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Sign issues a context for callbackURL.
func (s *Signer) Sign(callbackURL, siteID string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("webhook signing secret not configured")
	}
	now := s.now()
	claims := ContextClaims{
		CallbackURL: callbackURL,
		SiteID:      siteID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    contextIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign webhook context: %w", err)
	}
	return token, nil
}

// Verify parses and checks a context. Parse failures return
// ErrMalformedContext; signature, expiry and issuer failures return
// ErrInvalidContext.
func (s *Signer) Verify(token string) (*ContextClaims, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("%w: signing secret not configured", ErrInvalidContext)
	}
	claims := &ContextClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(contextIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, fmt.Errorf("%w: %v", ErrMalformedContext, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	if claims.CallbackURL == "" {
		return nil, fmt.Errorf("%w: no callback URL", ErrMalformedContext)
	}
	return claims, nil
}

// EncodeCallback encodes a caller callback URL for the cb parameter.
func EncodeCallback(callbackURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(callbackURL))
}

// DecodeCallback reverses EncodeCallback. Padded input is accepted.
func DecodeCallback(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return "", fmt.Errorf("decode callback: %w", err)
	}
	return string(raw), nil
}

// CallbackURL builds the webhook URL the provider should call: base, plus
// the caller's callback as cb when known, plus a signed ctx when signer is
// enabled.
func CallbackURL(base, callerCallback, siteID string, signer *Signer) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse webhook base URL: %w", err)
	}
	q := u.Query()
	if callerCallback != "" {
		q.Set(CallbackParam, EncodeCallback(callerCallback))
		if signer.Enabled() {
			token, err := signer.Sign(callerCallback, siteID)
			if err != nil {
				return "", err
			}
			q.Set(ContextParam, token)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
