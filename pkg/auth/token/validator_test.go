package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvgate/dvgate/pkg/auth/oidc"
)

const (
	testKeyID    = "test-key-1"
	testIssuer   = "https://login.microsoftonline.com/test-tenant/v2.0"
	testClientID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
)

type testEnv struct {
	privateKey *rsa.PrivateKey
	validator  *Validator
}

// newTestEnv starts a discovery + JWKS server and builds a validator over it.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.Import(&privateKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, key.Set(jwk.KeyUsageKey, "sig"))
	keySet := jwk.NewSet()
	require.NoError(t, keySet.AddKey(key))

	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"issuer":%q,"token_endpoint":%q,"jwks_uri":%q}`,
			testIssuer, server.URL+"/token", server.URL+"/keys")
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		buf, err := json.Marshal(keySet)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(buf)
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cache, err := oidc.NewCache(oidc.CacheConfig{
		MetadataURL:  server.URL + "/.well-known/openid-configuration",
		TTL:          time.Hour,
		FetchTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	validator := NewValidator(cache, ValidatorConfig{
		Issuers: []string{
			testIssuer,
			"https://sts.windows.net/test-tenant/",
			"https://login.microsoftonline.com/test-tenant/",
		},
		Audiences: []string{testClientID, "api://" + testClientID},
		ClockSkew: 2 * time.Minute,
	})

	return &testEnv{privateKey: privateKey, validator: validator}
}

// sign mints a token with the given claims using the env's key.
func (e *testEnv) sign(t *testing.T, kid string, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	if key == nil {
		key = e.privateKey
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss": testIssuer,
		"aud": testClientID,
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
	}
}

func TestValidateDelegatedToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	claims := baseClaims()
	claims["scp"] = "user_impersonation profile openid"
	claims["azp"] = "11111111-1111-1111-1111-111111111111"

	validated, err := env.validator.Validate(context.Background(), env.sign(t, testKeyID, nil, claims))
	require.NoError(t, err)

	assert.Equal(t, "user-123", validated.Subject)
	assert.Equal(t, testIssuer, validated.Issuer)
	assert.Equal(t, testClientID, validated.Audience)
	assert.Equal(t, []string{"user_impersonation", "profile", "openid"}, validated.Scopes)
	assert.Empty(t, validated.Roles)
}

func TestValidateApplicationToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	claims := baseClaims()
	claims["roles"] = []string{"Data.Read", "Data.Write"}

	validated, err := env.validator.Validate(context.Background(), env.sign(t, testKeyID, nil, claims))
	require.NoError(t, err)
	assert.Equal(t, []string{"Data.Read", "Data.Write"}, validated.Roles)
	assert.Empty(t, validated.Scopes)
}

func TestValidateAudienceForms(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	// v1.0 tokens carry the api:// resource form instead of the bare id.
	claims := baseClaims()
	claims["aud"] = "api://" + testClientID

	validated, err := env.validator.Validate(context.Background(), env.sign(t, testKeyID, nil, claims))
	require.NoError(t, err)
	assert.Equal(t, "api://"+testClientID, validated.Audience)
}

func TestValidateIssuerVariants(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	for _, issuer := range []string{
		"https://sts.windows.net/test-tenant/",
		"https://login.microsoftonline.com/test-tenant/",
	} {
		claims := baseClaims()
		claims["iss"] = issuer
		_, err := env.validator.Validate(context.Background(), env.sign(t, testKeyID, nil, claims))
		assert.NoError(t, err, "issuer variant %s", issuer)
	}
}

func TestValidateFailureKinds(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	testCases := []struct {
		name    string
		mutate  func(jwt.MapClaims)
		kid     string
		key     *rsa.PrivateKey
		errKind error
	}{
		{
			name:    "wrong issuer",
			mutate:  func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" },
			errKind: ErrIssuerMismatch,
		},
		{
			name:    "missing issuer",
			mutate:  func(c jwt.MapClaims) { delete(c, "iss") },
			errKind: ErrIssuerMismatch,
		},
		{
			name:    "wrong audience",
			mutate:  func(c jwt.MapClaims) { c["aud"] = "some-other-app" },
			errKind: ErrAudienceMismatch,
		},
		{
			name:    "expired",
			mutate:  func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() },
			errKind: ErrExpired,
		},
		{
			name:    "missing expiry",
			mutate:  func(c jwt.MapClaims) { delete(c, "exp") },
			errKind: ErrExpired,
		},
		{
			name:    "not yet valid",
			mutate:  func(c jwt.MapClaims) { c["nbf"] = time.Now().Add(time.Hour).Unix() },
			errKind: ErrNotYetValid,
		},
		{
			name:    "unknown signing key",
			kid:     "rotated-away",
			errKind: ErrUnknownSigningKey,
		},
		{
			name:    "bad signature",
			key:     otherKey,
			errKind: ErrSignatureInvalid,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			claims := baseClaims()
			if tc.mutate != nil {
				tc.mutate(claims)
			}
			kid := tc.kid
			if kid == "" {
				kid = testKeyID
			}
			validated, err := env.validator.Validate(context.Background(), env.sign(t, kid, tc.key, claims))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.errKind)
			assert.Nil(t, validated)
		})
	}
}

func TestValidateWithinClockSkew(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	// Expired one minute ago, inside the two-minute allowance.
	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()

	_, err := env.validator.Validate(context.Background(), env.sign(t, testKeyID, nil, claims))
	assert.NoError(t, err)
}

func TestValidateMalformed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.validator.Validate(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrMalformed)
}
