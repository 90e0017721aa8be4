package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lastmile/internal/config"
)

func b64(v any) string {
	b, _ := json.Marshal(v)
	return base64.RawURLEncoding.EncodeToString(b)
}

func hs256(secret string, claims map[string]any) string {
	in := b64(map[string]string{"alg": "HS256", "typ": "JWT"}) + "." + b64(claims)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(in))
	return in + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyDev(t *testing.T) {
	v := NewVerifier(config.AuthConfig{})
	p, err := v.Verify(context.Background(), "acme:Dispatcher")
	require.NoError(t, err)
	assert.Equal(t, Principal{Tenant: "acme", Role: RoleDispatcher}, p)

	_, err = v.Verify(context.Background(), "acme")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyHMAC(t *testing.T) {
	v := NewVerifier(config.AuthConfig{Mode: "hmac", HMACSecret: "s3cret"})
	v.now = func() time.Time { return time.Unix(1000, 0) }
	ctx := context.Background()

	p, err := v.Verify(ctx, hs256("s3cret", map[string]any{"tenant": "acme", "role": "admin", "sub": "u1", "exp": 2000}))
	require.NoError(t, err)
	assert.Equal(t, Principal{Tenant: "acme", Role: RoleAdmin, Subject: "u1"}, p)

	p, err = v.Verify(ctx, hs256("s3cret", map[string]any{"tenant": "acme"}))
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, p.Role)

	_, err = v.Verify(ctx, hs256("wrong", map[string]any{"tenant": "acme"}))
	assert.ErrorIs(t, err, ErrBadSignature)
	_, err = v.Verify(ctx, hs256("s3cret", map[string]any{"tenant": "acme", "exp": 999}))
	assert.ErrorIs(t, err, ErrExpired)
	_, err = v.Verify(ctx, hs256("s3cret", map[string]any{"role": "admin"}))
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = v.Verify(ctx, "not.a.jwt!")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	in := b64(map[string]string{"alg": "RS256", "kid": "k1"}) + "." + b64(map[string]any{"tenant": "acme", "role": "dispatcher"})
	h := sha256.Sum256([]byte(in))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h[:])
	require.NoError(t, err)
	token := in + "." + base64.RawURLEncoding.EncodeToString(sig)

	v := NewVerifier(config.AuthConfig{Mode: "jwks", JWKSURL: srv.URL})
	for i := 0; i < 2; i++ {
		p, err := v.Verify(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "acme", p.Tenant)
	}
	assert.Equal(t, 1, fetches, "keys are cached")

	_, err = v.Verify(context.Background(), in+"."+base64.RawURLEncoding.EncodeToString([]byte("junk")))
	assert.ErrorIs(t, err, ErrBadSignature)
}
