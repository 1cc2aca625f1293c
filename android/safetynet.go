package android

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// safetyNetHostname is the hostname Google issues SafetyNet leaf
// certificates for.
const safetyNetHostname = "attest.android.com"

// SafetyNetConfig holds configuration for the SafetyNet engine.
type SafetyNetConfig struct {
	// PackageName is the allowed app package name (required).
	PackageName string

	// MaxTokenAge bounds token freshness (default: 1 hour).
	MaxTokenAge time.Duration

	// RequireCTSProfileMatch additionally requires ctsProfileMatch on top
	// of basicIntegrity.
	RequireCTSProfileMatch bool

	// RootCAs overrides the system trust store, mainly for tests.
	RootCAs *x509.CertPool
}

// SafetyNetEngine verifies legacy SafetyNet attestation JWS tokens offline:
// the signing certificate chain is validated, the leaf must be issued for
// attest.android.com, and the payload verdicts are checked.
type SafetyNetEngine struct {
	packageName string
	maxAge      time.Duration
	requireCTS  bool
	rootCAs     *x509.CertPool
	parser      *jwt.Parser
}

// SafetyNetVerdict summarizes a successful SafetyNet check.
type SafetyNetVerdict struct {
	PackageName     string
	BasicIntegrity  bool
	CTSProfileMatch bool
	Nonce           string
}

// safetyNetClaims is the JWS payload Google signs.
type safetyNetClaims struct {
	Nonce                      string   `json:"nonce"`
	TimestampMs                int64    `json:"timestampMs"`
	APKPackageName             string   `json:"apkPackageName"`
	APKCertificateDigestSHA256 []string `json:"apkCertificateDigestSha256"`
	CTSProfileMatch            bool     `json:"ctsProfileMatch"`
	BasicIntegrity             bool     `json:"basicIntegrity"`
	jwt.RegisteredClaims
}

// NewSafetyNetEngine creates a SafetyNet engine.
func NewSafetyNetEngine(cfg SafetyNetConfig) (*SafetyNetEngine, error) {
	if cfg.PackageName == "" {
		return nil, fmt.Errorf("%w: package name is required", ErrNotConfigured)
	}

	maxAge := cfg.MaxTokenAge
	if maxAge == 0 {
		maxAge = time.Hour
	}

	return &SafetyNetEngine{
		packageName: cfg.PackageName,
		maxAge:      maxAge,
		requireCTS:  cfg.RequireCTSProfileMatch,
		rootCAs:     cfg.RootCAs,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256", "ES256"})),
	}, nil
}

// Verify checks a SafetyNet attestation JWS. Trust-check failures wrap
// ErrRejected; decoding failures wrap ErrUnavailable.
func (e *SafetyNetEngine) Verify(ctx context.Context, attestationJWS, expectedNonce string) (*SafetyNetVerdict, error) {
	claims := &safetyNetClaims{}
	token, err := e.parser.ParseWithClaims(attestationJWS, claims, e.signingKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to verify attestation JWS: %v", ErrUnavailable, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: attestation signature invalid", ErrRejected)
	}

	if claims.APKPackageName != e.packageName {
		return nil, fmt.Errorf("%w: unexpected package name %q", ErrRejected, claims.APKPackageName)
	}

	if expectedNonce != "" {
		nonce := claims.Nonce
		if decoded, err := base64.StdEncoding.DecodeString(nonce); err == nil {
			nonce = string(decoded)
		}
		if nonce != expectedNonce && claims.Nonce != expectedNonce {
			return nil, fmt.Errorf("%w: nonce mismatch", ErrRejected)
		}
	}

	age := time.Since(time.UnixMilli(claims.TimestampMs))
	if age > e.maxAge {
		return nil, fmt.Errorf("%w: token too old (%v)", ErrRejected, age.Truncate(time.Second))
	}
	if age < -time.Minute {
		return nil, fmt.Errorf("%w: token timestamp is in the future", ErrRejected)
	}

	if !claims.BasicIntegrity {
		return nil, fmt.Errorf("%w: basic integrity check failed", ErrRejected)
	}
	if e.requireCTS && !claims.CTSProfileMatch {
		return nil, fmt.Errorf("%w: CTS profile match failed", ErrRejected)
	}

	return &SafetyNetVerdict{
		PackageName:     claims.APKPackageName,
		BasicIntegrity:  claims.BasicIntegrity,
		CTSProfileMatch: claims.CTSProfileMatch,
		Nonce:           claims.Nonce,
	}, nil
}

// signingKey extracts and validates the x5c certificate chain from the JWS
// header and returns the leaf public key for signature verification.
func (e *SafetyNetEngine) signingKey(token *jwt.Token) (any, error) {
	x5c, ok := token.Header["x5c"].([]any)
	if !ok || len(x5c) == 0 {
		return nil, fmt.Errorf("missing x5c certificate chain")
	}

	certs := make([]*x509.Certificate, 0, len(x5c))
	for i, entry := range x5c {
		encoded, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("x5c entry %d is not a string", i)
		}
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode x5c entry %d: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse x5c entry %d: %w", i, err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		DNSName:       safetyNetHostname,
		Intermediates: intermediates,
		Roots:         e.rootCAs,
	}
	if _, err := certs[0].Verify(opts); err != nil {
		return nil, fmt.Errorf("certificate chain verification failed: %w", err)
	}

	return certs[0].PublicKey, nil
}
