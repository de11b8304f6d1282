package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://forgesync.example.com"

func TestGenerateAndValidateAccessToken(t *testing.T) {
	m, err := NewJWTManagerGenerated(testIssuer)
	require.NoError(t, err)

	userID := uuid.NewString()
	token, err := m.GenerateAccessToken(userID, "admin")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(accessTokenDuration), claims.ExpiresAt.Time, time.Minute)
}

func TestValidateAccessTokenRejectsForeignKey(t *testing.T) {
	a, err := NewJWTManagerGenerated(testIssuer)
	require.NoError(t, err)
	b, err := NewJWTManagerGenerated(testIssuer)
	require.NoError(t, err)

	token, err := a.GenerateAccessToken(uuid.NewString(), "user")
	require.NoError(t, err)

	_, err = b.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateAccessTokenRejectsWrongIssuer(t *testing.T) {
	signer, err := NewJWTManagerGenerated("https://other.example.com")
	require.NoError(t, err)

	// Same key pair, different configured issuer.
	verifier := &JWTManager{
		privateKey: signer.privateKey,
		publicKey:  signer.publicKey,
		issuer:     testIssuer,
	}

	token, err := signer.GenerateAccessToken(uuid.NewString(), "user")
	require.NoError(t, err)

	_, err = verifier.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateAccessTokenExpired(t *testing.T) {
	m, err := NewJWTManagerGenerated(testIssuer)
	require.NoError(t, err)

	now := time.Now().Add(-time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenDuration)),
		},
		UserID: uuid.NewString(),
		Role:   "user",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privateKey)
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(signed)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateAccessTokenRejectsHMAC(t *testing.T) {
	m, err := NewJWTManagerGenerated(testIssuer)
	require.NoError(t, err)

	// An HS256 token signed with the public key bytes must never verify,
	// even though the verifier holds the same material.
	pubPEM, err := m.PublicKeyPEM()
	require.NoError(t, err)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(pubPEM)
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(signed)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateAccessTokenGarbage(t *testing.T) {
	m, err := NewJWTManagerGenerated(testIssuer)
	require.NoError(t, err)

	for _, tok := range []string{"", "not.a.jwt", "a.b.c"} {
		_, err := m.ValidateAccessToken(tok)
		assert.ErrorIs(t, err, ErrTokenInvalid, "token %q", tok)
	}
}

func TestNewJWTManagerFromFiles(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "jwt.key")
	pubPath := filepath.Join(dir, "jwt.pub")

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0o644))

	m, err := NewJWTManagerFromFiles(privPath, pubPath, testIssuer)
	require.NoError(t, err)

	token, err := m.GenerateAccessToken(uuid.NewString(), "user")
	require.NoError(t, err)
	_, err = m.ValidateAccessToken(token)
	assert.NoError(t, err)
}

func TestNewJWTManagerFromFilesPKCS8(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	require.NoError(t, err)

	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	_, err = newJWTManagerFromPEM(privPEM, pubPEM, testIssuer)
	assert.NoError(t, err)
}

func TestNewJWTManagerFromPEMRejectsGarbage(t *testing.T) {
	_, err := newJWTManagerFromPEM([]byte("not pem"), []byte("not pem"), testIssuer)
	assert.Error(t, err)
}
