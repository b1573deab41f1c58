package webhook

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestSignerRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewSigner(testSecret, time.Hour)
	token, err := s.Sign("https://caller.example.com/cb", "site-a")
	require.NoError(t, err)

	claims, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "https://caller.example.com/cb", claims.CallbackURL)
	assert.Equal(t, "site-a", claims.SiteID)
}

func TestSignerRejectsExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := NewSigner(testSecret, time.Minute)
	s.now = func() time.Time { return now }
	token, err := s.Sign("https://caller.example.com/cb", "")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestSignerErrors(t *testing.T) {
	t.Parallel()

	s := NewSigner(testSecret, time.Hour)

	_, err := s.Verify("garbage")
	assert.ErrorIs(t, err, ErrMalformedContext)

	token, err := NewSigner("another-secret-another-secret-xx", time.Hour).Sign("https://a.example.com", "")
	require.NoError(t, err)
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidContext)

	_, err = NewSigner("", time.Hour).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidContext)

	_, err = NewSigner("", time.Hour).Sign("https://a.example.com", "")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidContext))
}

func TestCallbackEncoding(t *testing.T) {
	t.Parallel()

	raw := "https://caller.example.com/cb?x=1&y=two"
	encoded := EncodeCallback(raw)
	assert.NotContains(t, encoded, "=")

	decoded, err := DecodeCallback(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	decoded, err = DecodeCallback(encoded + "==")
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	_, err = DecodeCallback("!!!")
	assert.Error(t, err)
}

func TestCallbackURL(t *testing.T) {
	t.Parallel()

	base := "https://relay.example.com/api/webhook/freepik"

	plain, err := CallbackURL(base, "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, base, plain)

	withCB, err := CallbackURL(base, "https://caller.example.com/cb", "", nil)
	require.NoError(t, err)
	u, err := url.Parse(withCB)
	require.NoError(t, err)
	assert.Equal(t, EncodeCallback("https://caller.example.com/cb"), u.Query().Get(CallbackParam))
	assert.Empty(t, u.Query().Get(ContextParam))

	signer := NewSigner(testSecret, time.Hour)
	signed, err := CallbackURL(base, "https://caller.example.com/cb", "site-a", signer)
	require.NoError(t, err)
	u, err = url.Parse(signed)
	require.NoError(t, err)
	claims, err := signer.Verify(u.Query().Get(ContextParam))
	require.NoError(t, err)
	assert.Equal(t, "https://caller.example.com/cb", claims.CallbackURL)
}
