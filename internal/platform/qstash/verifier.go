package qstash

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignatureHeader carries the callback signature.
const SignatureHeader = "Upstash-Signature"

const issuer = "Upstash"

var (
	// ErrMissingSignature is returned when no signature accompanies a request.
	ErrMissingSignature = errors.New("missing scheduler signature")
	// ErrInvalidSignature is returned when neither signing key verifies the request.
	ErrInvalidSignature = errors.New("invalid scheduler signature")
)

type signatureClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// Verifier checks callback signatures against the current and next signing keys.
type Verifier struct {
	keys      [][]byte
	clockSkew time.Duration
	timeFunc  func() time.Time
}

// NewVerifier creates a Verifier. Empty keys are ignored; with no keys every
// verification fails.
func NewVerifier(currentKey, nextKey string) *Verifier {
	v := &Verifier{clockSkew: time.Minute, timeFunc: time.Now}
	for _, k := range []string{currentKey, nextKey} {
		if k != "" {
			v.keys = append(v.keys, []byte(k))
		}
	}
	return v
}

// Enabled reports whether any signing key is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.keys) > 0
}

// Verify checks that signature is a valid token over body. When url is
// non-empty the token subject must equal it.
func (v *Verifier) Verify(signature string, body []byte, url string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	var lastErr error
	for _, key := range v.keys {
		if err := v.verifyWith(key, signature, body, url); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no signing key configured")
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}

func (v *Verifier) verifyWith(key []byte, signature string, body []byte, url string) error {
	now := v.timeFunc()
	claims := &signatureClaims{}
	_, err := jwt.ParseWithClaims(signature, claims,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return err
	}
	if url != "" && claims.Subject != url {
		return fmt.Errorf("subject %q does not match %q", claims.Subject, url)
	}
	if strings.TrimRight(claims.Body, "=") != BodyHash(body) {
		return errors.New("body hash mismatch")
	}
	return nil
}

// BodyHash is the unpadded base64url SHA-256 digest of body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Sign issues a signature for body addressed to url. It exists for tests
// and local tooling that stand in for QStash.
func Sign(key string, body []byte, url string, now time.Time, ttl time.Duration) (string, error) {
	claims := signatureClaims{
		Body: BodyHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   url,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}
