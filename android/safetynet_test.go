package android

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// safetyNetAuthority signs test attestation tokens with a self-signed
// certificate issued for attest.android.com.
type safetyNetAuthority struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
	pool *x509.CertPool
}

func newSafetyNetAuthority(t *testing.T) *safetyNetAuthority {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: safetyNetHostname},
		DNSNames:              []string{safetyNetHostname},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	return &safetyNetAuthority{key: key, cert: cert, pool: pool}
}

func (a *safetyNetAuthority) sign(t *testing.T, claims safetyNetClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["x5c"] = []any{base64.StdEncoding.EncodeToString(a.cert.Raw)}

	signed, err := token.SignedString(a.key)
	require.NoError(t, err)
	return signed
}

func goodClaims() safetyNetClaims {
	return safetyNetClaims{
		Nonce:          "expected-nonce",
		TimestampMs:    time.Now().UnixMilli(),
		APKPackageName: "com.example.app",
		BasicIntegrity: true,
	}
}

func newTestSafetyNetEngine(t *testing.T, authority *safetyNetAuthority, requireCTS bool) *SafetyNetEngine {
	t.Helper()

	engine, err := NewSafetyNetEngine(SafetyNetConfig{
		PackageName:            "com.example.app",
		RequireCTSProfileMatch: requireCTS,
		RootCAs:                authority.pool,
	})
	require.NoError(t, err)
	return engine
}

func TestNewSafetyNetEngine_Validation(t *testing.T) {
	engine, err := NewSafetyNetEngine(SafetyNetConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Nil(t, engine)
}

func TestNewSafetyNetEngine_Defaults(t *testing.T) {
	engine, err := NewSafetyNetEngine(SafetyNetConfig{PackageName: "com.example.app"})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, engine.maxAge)
}

func TestSafetyNetVerify_Valid(t *testing.T) {
	authority := newSafetyNetAuthority(t)
	engine := newTestSafetyNetEngine(t, authority, false)

	jws := authority.sign(t, goodClaims())

	verdict, err := engine.Verify(context.Background(), jws, "expected-nonce")
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", verdict.PackageName)
	assert.True(t, verdict.BasicIntegrity)
	assert.Equal(t, "expected-nonce", verdict.Nonce)
}

func TestSafetyNetVerify_MalformedJWS(t *testing.T) {
	authority := newSafetyNetAuthority(t)
	engine := newTestSafetyNetEngine(t, authority, false)

	_, err := engine.Verify(context.Background(), "not-a-jws", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestSafetyNetVerify_MissingCertChain(t *testing.T) {
	authority := newSafetyNetAuthority(t)
	engine := newTestSafetyNetEngine(t, authority, false)

	// Signed token without an x5c header.
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, goodClaims())
	jws, err := token.SignedString(authority.key)
	require.NoError(t, err)

	_, err = engine.Verify(context.Background(), jws, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSafetyNetVerify_UntrustedChain(t *testing.T) {
	signer := newSafetyNetAuthority(t)
	other := newSafetyNetAuthority(t)

	// The engine trusts a different authority than the one that signed.
	engine := newTestSafetyNetEngine(t, other, false)

	jws := signer.sign(t, goodClaims())

	_, err := engine.Verify(context.Background(), jws, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSafetyNetVerify_VerdictRejections(t *testing.T) {
	authority := newSafetyNetAuthority(t)

	tests := []struct {
		name       string
		mutate     func(*safetyNetClaims)
		nonce      string
		requireCTS bool
	}{
		{
			name:   "basic integrity failed",
			mutate: func(c *safetyNetClaims) { c.BasicIntegrity = false },
		},
		{
			name:   "wrong package name",
			mutate: func(c *safetyNetClaims) { c.APKPackageName = "com.attacker.app" },
		},
		{
			name:   "nonce mismatch",
			mutate: func(c *safetyNetClaims) { c.Nonce = "other-nonce" },
			nonce:  "expected-nonce",
		},
		{
			name: "token too old",
			mutate: func(c *safetyNetClaims) {
				c.TimestampMs = time.Now().Add(-2 * time.Hour).UnixMilli()
			},
		},
		{
			name: "token from the future",
			mutate: func(c *safetyNetClaims) {
				c.TimestampMs = time.Now().Add(10 * time.Minute).UnixMilli()
			},
		},
		{
			name:       "cts profile match required",
			mutate:     func(c *safetyNetClaims) { c.CTSProfileMatch = false },
			requireCTS: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestSafetyNetEngine(t, authority, tt.requireCTS)

			claims := goodClaims()
			tt.mutate(&claims)

			_, err := engine.Verify(context.Background(), authority.sign(t, claims), tt.nonce)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRejected)
			assert.NotErrorIs(t, err, ErrUnavailable)
		})
	}
}

func TestSafetyNetVerify_CTSNotRequiredByDefault(t *testing.T) {
	authority := newSafetyNetAuthority(t)
	engine := newTestSafetyNetEngine(t, authority, false)

	claims := goodClaims()
	claims.CTSProfileMatch = false

	verdict, err := engine.Verify(context.Background(), authority.sign(t, claims), "")
	require.NoError(t, err)
	assert.False(t, verdict.CTSProfileMatch)
}
