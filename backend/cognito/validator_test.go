package cognito

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKid      = "test-kid-123"
	testIssuer   = "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_test123"
	testClientID = "test-client-id"
)

func generateTestKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return privateKey
}

// jwksServer serves the public key under kid and counts fetches
func jwksServer(t *testing.T, publicKey *rsa.PublicKey, kid string, fetches *int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches != nil {
			atomic.AddInt32(fetches, 1)
		}
		jwks := JWKS{Keys: []JWK{{
			Kid: kid,
			Kty: "RSA",
			Alg: "RS256",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(publicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(publicKey.E)).Bytes()),
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestValidator(jwksURL string) *CognitoValidator {
	return NewCognitoValidator(Config{
		ClientID:    testClientID,
		Issuer:      testIssuer,
		JWKSURL:     jwksURL,
		HTTPTimeout: 5 * time.Second,
	})
}

func testClaims() *Claims {
	now := time.Now()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "5f1c3a52-8d0e-4bb5-a0f4-2d0c5b1c9e77",
			Audience:  jwt.ClaimStrings{testClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email:           "gestor@upb.edu.co",
		EmailVerified:   true,
		TokenUse:        "id",
		CognitoUsername: "gestor",
		Groups:          []string{"change-managers"},
	}
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestNewCognitoValidator_Defaults(t *testing.T) {
	v := NewCognitoValidator(Config{Region: "us-east-1", UserPoolID: "us-east-1_test123", ClientID: testClientID})

	assert.Equal(t, testIssuer, v.issuer)
	assert.Equal(t, testIssuer+"/.well-known/jwks.json", v.jwksURL)
	assert.Equal(t, time.Hour, v.cacheTTL)
	assert.NotNil(t, v.httpClient)
}

func TestValidateToken_Success(t *testing.T) {
	key := generateTestKeyPair(t)
	server := jwksServer(t, &key.PublicKey, testKid, nil)
	v := newTestValidator(server.URL)

	parsed, err := v.ValidateToken(context.Background(), sign(t, key, testKid, testClaims()))
	require.NoError(t, err)

	assert.Equal(t, "5f1c3a52-8d0e-4bb5-a0f4-2d0c5b1c9e77", parsed.Subject)
	assert.Equal(t, "gestor@upb.edu.co", parsed.Email)
	assert.True(t, parsed.EmailVerified)
	assert.Equal(t, "gestor", parsed.Username)
	assert.Equal(t, []string{"change-managers"}, parsed.Groups)
	assert.False(t, parsed.ExpiresAt.IsZero())
}

func TestValidateToken_AccessTokenChecksClientID(t *testing.T) {
	key := generateTestKeyPair(t)
	server := jwksServer(t, &key.PublicKey, testKid, nil)
	v := newTestValidator(server.URL)

	claims := testClaims()
	claims.TokenUse = "access"
	claims.Audience = nil
	claims.ClientID = testClientID
	_, err := v.ValidateToken(context.Background(), sign(t, key, testKid, claims))
	require.NoError(t, err)

	claims.ClientID = "other-client"
	_, err = v.ValidateToken(context.Background(), sign(t, key, testKid, claims))
	assert.ErrorIs(t, err, ErrInvalidAudience)
}

func TestValidateToken_Rejections(t *testing.T) {
	key := generateTestKeyPair(t)
	otherKey := generateTestKeyPair(t)
	server := jwksServer(t, &key.PublicKey, testKid, nil)

	tests := []struct {
		name    string
		token   func() string
		wantErr error
	}{
		{
			name:    "signed with another key",
			token:   func() string { return sign(t, otherKey, testKid, testClaims()) },
			wantErr: ErrInvalidToken,
		},
		{
			name: "expired",
			token: func() string {
				c := testClaims()
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
				return sign(t, key, testKid, c)
			},
			wantErr: ErrTokenExpired,
		},
		{
			name: "wrong issuer",
			token: func() string {
				c := testClaims()
				c.Issuer = "https://issuer.example.com"
				return sign(t, key, testKid, c)
			},
			wantErr: ErrInvalidIssuer,
		},
		{
			name: "wrong audience",
			token: func() string {
				c := testClaims()
				c.Audience = jwt.ClaimStrings{"other-client"}
				return sign(t, key, testKid, c)
			},
			wantErr: ErrInvalidAudience,
		},
		{
			name: "unknown token use",
			token: func() string {
				c := testClaims()
				c.TokenUse = "refresh"
				return sign(t, key, testKid, c)
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "missing subject",
			token: func() string {
				c := testClaims()
				c.Subject = ""
				return sign(t, key, testKid, c)
			},
			wantErr: ErrMissingClaim,
		},
		{
			name:    "unknown kid",
			token:   func() string { return sign(t, key, "rotated-away", testClaims()) },
			wantErr: ErrInvalidToken,
		},
		{
			name:    "garbage",
			token:   func() string { return "not.a.jwt" },
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(server.URL)
			_, err := v.ValidateToken(context.Background(), tt.token())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateToken_CachesKeys(t *testing.T) {
	key := generateTestKeyPair(t)
	var fetches int32
	server := jwksServer(t, &key.PublicKey, testKid, &fetches)
	v := newTestValidator(server.URL)

	token := sign(t, key, testKid, testClaims())
	for i := 0; i < 3; i++ {
		_, err := v.ValidateToken(context.Background(), token)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
	assert.Equal(t, 1, v.CachedKeys())

	v.InvalidateCache()
	assert.Zero(t, v.CachedKeys())

	_, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetches))
}

func TestFetchJWKS_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestValidator(server.URL).FetchJWKS(context.Background())
	assert.ErrorIs(t, err, ErrJWKSFetchFailed)
}

func TestJWKToRSAPublicKey(t *testing.T) {
	key := generateTestKeyPair(t)
	jwk := &JWK{
		Kid: testKid,
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}

	pub, err := jwkToRSAPublicKey(jwk)
	require.NoError(t, err)
	assert.Equal(t, 0, pub.N.Cmp(key.PublicKey.N))
	assert.Equal(t, key.PublicKey.E, pub.E)

	_, err = jwkToRSAPublicKey(&JWK{N: "!!", E: "AQAB"})
	assert.Error(t, err)
}
