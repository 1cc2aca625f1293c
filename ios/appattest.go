// Package ios provides the live verification engines for Apple device
// attestation: App Attest attestation-object verification and the
// DeviceCheck validation API client.
//
// See: https://developer.apple.com/documentation/devicecheck
package ios

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// AppAttestConfig holds configuration for App Attest verification.
type AppAttestConfig struct {
	// TeamID is the Apple Developer Team ID (required).
	TeamID string

	// BundleID is the allowed app bundle identifier (required).
	BundleID string

	// MaxTokenAge bounds attestation freshness (default: 1 hour).
	MaxTokenAge time.Duration

	// SkipCertificateVerification skips the chain check against Apple's
	// root CA. Development and testing only.
	SkipCertificateVerification bool
}

// AppAttestEngine verifies App Attest attestation objects offline. No
// network call is involved; the trust anchor is Apple's App Attest root CA.
type AppAttestEngine struct {
	teamID       string
	bundleID     string
	rootCertPool *x509.CertPool
	maxAge       time.Duration
	skipChain    bool
}

// AppAttestRequest carries the attestation material for one verification.
type AppAttestRequest struct {
	// Attestation is the base64-encoded attestation object from
	// DCAppAttestService.attestKey.
	Attestation string

	// Challenge is the server-issued challenge the device signed over.
	Challenge string

	// KeyID is the key identifier from DCAppAttestService.generateKey.
	KeyID string
}

// AppAttestOutcome reports a successful verification.
type AppAttestOutcome struct {
	KeyID     string
	PublicKey *ecdsa.PublicKey
	Receipt   []byte
}

// NewAppAttestEngine creates an App Attest engine.
func NewAppAttestEngine(cfg AppAttestConfig) (*AppAttestEngine, error) {
	if cfg.TeamID == "" || cfg.BundleID == "" {
		return nil, fmt.Errorf("%w: team ID and bundle ID are required", ErrNotConfigured)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(appleAppAttestRootCA)) {
		return nil, fmt.Errorf("%w: failed to parse Apple root CA", ErrUnavailable)
	}

	maxAge := cfg.MaxTokenAge
	if maxAge == 0 {
		maxAge = time.Hour
	}

	return &AppAttestEngine{
		teamID:       cfg.TeamID,
		bundleID:     cfg.BundleID,
		rootCertPool: pool,
		maxAge:       maxAge,
		skipChain:    cfg.SkipCertificateVerification,
	}, nil
}

// Verify checks an App Attest attestation object. Trust-check failures wrap
// ErrRejected; decode and key-material failures wrap ErrUnavailable.
func (e *AppAttestEngine) Verify(ctx context.Context, req *AppAttestRequest) (*AppAttestOutcome, error) {
	if req == nil || req.Attestation == "" {
		return nil, fmt.Errorf("%w: missing attestation data", ErrUnavailable)
	}
	if req.KeyID == "" {
		return nil, fmt.Errorf("%w: key ID is empty", ErrUnavailable)
	}

	raw, err := base64.StdEncoding.DecodeString(req.Attestation)
	if err != nil {
		return nil, fmt.Errorf("%w: attestation is not valid base64: %v", ErrUnavailable, err)
	}

	obj, err := decodeAttestationObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	certs, err := parseCertChain(obj.AttStatement.X5c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := e.verifyCertChain(certs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	if err := e.verifyAuthData(obj.AuthData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	challengeHash := sha256.Sum256([]byte(req.Challenge))
	if err := verifyNonce(certs[0], obj.AuthData, challengeHash[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	pubKey, ok := certs[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: leaf certificate key is not ECDSA", ErrUnavailable)
	}

	if err := verifyKeyID(pubKey, req.KeyID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	return &AppAttestOutcome{
		KeyID:     req.KeyID,
		PublicKey: pubKey,
		Receipt:   obj.AttStatement.Receipt,
	}, nil
}

// attestationObject is the CBOR envelope produced by DCAppAttestService.
type attestationObject struct {
	Format       string       `cbor:"fmt"`
	AttStatement attStatement `cbor:"attStmt"`
	AuthData     []byte       `cbor:"authData"`
}

type attStatement struct {
	X5c     [][]byte `cbor:"x5c"`
	Receipt []byte   `cbor:"receipt,omitempty"`
}

func decodeAttestationObject(data []byte) (*attestationObject, error) {
	var obj attestationObject
	if err := cbor.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode CBOR attestation object: %w", err)
	}
	if obj.Format != "apple-appattest" {
		return nil, fmt.Errorf("unexpected attestation format: %s", obj.Format)
	}
	if len(obj.AttStatement.X5c) < 2 {
		return nil, errors.New("certificate chain too short")
	}
	if len(obj.AuthData) < 37 {
		return nil, errors.New("authenticator data too short")
	}
	return &obj, nil
}

func parseCertChain(x5c [][]byte) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, len(x5c))
	for i, der := range x5c {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs[i] = cert
	}
	return certs, nil
}

// appAttestCredCertOID marks an App Attest credential certificate.
var appAttestCredCertOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 2}

// appAttestNonceOID carries the expected nonce in the leaf certificate.
var appAttestNonceOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 1}

func (e *AppAttestEngine) verifyCertChain(certs []*x509.Certificate) error {
	if !e.skipChain {
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		opts := x509.VerifyOptions{
			Roots:         e.rootCertPool,
			Intermediates: intermediates,
			CurrentTime:   time.Now(),
		}
		if _, err := certs[0].Verify(opts); err != nil {
			return fmt.Errorf("certificate chain verification failed: %w", err)
		}
	}

	// The credential certificate OID is checked even when the chain check
	// is skipped.
	for _, ext := range certs[0].Extensions {
		if ext.Id.Equal(appAttestCredCertOID) {
			return nil
		}
	}
	return errors.New("leaf certificate missing App Attest credential OID")
}

func (e *AppAttestEngine) verifyAuthData(authData []byte) error {
	appID := e.teamID + "." + e.bundleID
	expected := sha256.Sum256([]byte(appID))

	if !bytes.Equal(authData[:32], expected[:]) {
		return errors.New("app ID hash mismatch")
	}
	if authData[32]&0x40 == 0 {
		return errors.New("attested credential data flag not set")
	}
	return nil
}

func verifyNonce(cert *x509.Certificate, authData, challengeHash []byte) error {
	composite := make([]byte, 0, len(authData)+len(challengeHash))
	composite = append(composite, authData...)
	composite = append(composite, challengeHash...)
	expected := sha256.Sum256(composite)

	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(appAttestNonceOID) {
			continue
		}

		var outer asn1.RawValue
		if rest, err := asn1.Unmarshal(ext.Value, &outer); err != nil || len(rest) > 0 {
			return errors.New("failed to parse nonce extension")
		}
		var inner asn1.RawValue
		if rest, err := asn1.Unmarshal(outer.Bytes, &inner); err != nil || len(rest) > 0 {
			return errors.New("failed to parse nonce sequence")
		}
		nonce := inner.Bytes
		var unwrapped []byte
		if _, err := asn1.Unmarshal(inner.Bytes, &unwrapped); err == nil {
			nonce = unwrapped
		}

		if !bytes.Equal(nonce, expected[:]) {
			return errors.New("nonce mismatch")
		}
		return nil
	}
	return errors.New("nonce extension not found")
}

func verifyKeyID(pubKey *ecdsa.PublicKey, keyID string) error {
	// Key IDs hash the uncompressed point (0x04 || X || Y).
	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	pubKey.X.FillBytes(uncompressed[1:33])
	pubKey.Y.FillBytes(uncompressed[33:65])

	sum := sha256.Sum256(uncompressed)
	computed := base64.StdEncoding.EncodeToString(sum[:])
	if computed != keyID {
		return fmt.Errorf("key ID mismatch: computed %s", computed)
	}
	return nil
}

// Apple App Attest Root CA certificate.
const appleAppAttestRootCA = `-----BEGIN CERTIFICATE-----
MIICITCCAaegAwIBAgIQC/O+DvHN0uD7jG5yH2IXmDAKBggqhkjOPQQDAzBSMSYw
JAYDVQQDEx1BcHBsZSBBcHAgQXR0ZXN0YXRpb24gUm9vdCBDQTETMBEGA1UEChMK
QXBwbGUgSW5jLjETMBEGA1UECBMKQ2FsaWZvcm5pYTAeFw0yMDAzMTgxODMyNTNa
Fw0zOTAzMTgwMDAwMDBaMFIxJjAkBgNVBAMTHUFwcGxlIEFwcCBBdHRlc3RhdGlv
biBSb290IENBMRMwEQYDVQQKEwpBcHBsZSBJbmMuMRMwEQYDVQQIEwpDYWxpZm9y
bmlhMHYwEAYHKoZIzj0CAQYFK4EEACIDYgAERTHhmLW07ATaFQIEVwTtT4dyctdh
NbJhFs/Ii2FdCgAHGbpphY3+d8qjuDngIN3WVhQUBHAoMeQ/cLiP1sOUtgjqK9au
Yen1mMEvRq9Sk3Jm5X8U62H+xTD3FE9TgS41o0IwQDAPBgNVHRMBAf8EBTADAQH/
MB0GA1UdDgQWBBSskRBTM72+aEH/pwyp5frq5eWKoTAOBgNVHQ8BAf8EBAMCAQYw
CgYIKoZIzj0EAwMDaAAwZQIwQgFGnByvsiVbpTKwSga0kP0e8EeDS4+sQmTvb7vn
53O5+FRXgeLhpJ06ysC5PrOyAjEAp5U4xDgEgllF7En3VcE3iexZZtKeYnpqtijV
oyFraWVIyd/dganmrduC1bmTBGwD
-----END CERTIFICATE-----`
