// Package android provides the live verification engines for Android device
// attestation: the Play Integrity API and legacy SafetyNet JWS verification.
//
// See: https://developer.android.com/google/play/integrity
package android

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/playintegrity/v1"
)

// PlayIntegrityConfig holds configuration for the Play Integrity engine.
type PlayIntegrityConfig struct {
	// PackageName is the allowed app package name (required).
	PackageName string

	// GCPProjectID is the Google Cloud project ID (required).
	GCPProjectID string

	// GCPCredentialsFile is the service account credentials path. Empty
	// uses Application Default Credentials.
	GCPCredentialsFile string

	// MaxTokenAge bounds token freshness (default: 1 hour).
	MaxTokenAge time.Duration

	// RequireStrongIntegrity requires MEETS_STRONG_INTEGRITY. When false,
	// MEETS_DEVICE_INTEGRITY is sufficient.
	RequireStrongIntegrity bool
}

// PlayIntegrityEngine decodes and checks Play Integrity tokens through
// Google's API.
type PlayIntegrityEngine struct {
	service       *playintegrity.Service
	packageName   string
	maxAge        time.Duration
	requireStrong bool
}

// IntegrityVerdict summarizes a successful Play Integrity check.
type IntegrityVerdict struct {
	PackageName           string
	AppRecognitionVerdict string
	DeviceVerdicts        []string
	Nonce                 string
}

// NewPlayIntegrityEngine creates a Play Integrity engine.
func NewPlayIntegrityEngine(ctx context.Context, cfg PlayIntegrityConfig) (*PlayIntegrityEngine, error) {
	if cfg.PackageName == "" || cfg.GCPProjectID == "" {
		return nil, fmt.Errorf("%w: package name and GCP project ID are required", ErrNotConfigured)
	}

	var opts []option.ClientOption
	if cfg.GCPCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCPCredentialsFile))
	}

	service, err := playintegrity.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Play Integrity service: %v", ErrNotConfigured, err)
	}

	maxAge := cfg.MaxTokenAge
	if maxAge == 0 {
		maxAge = time.Hour
	}

	return &PlayIntegrityEngine{
		service:       service,
		packageName:   cfg.PackageName,
		maxAge:        maxAge,
		requireStrong: cfg.RequireStrongIntegrity,
	}, nil
}

// Verify decodes an integrity token and checks its verdicts. Trust-check
// failures wrap ErrRejected; API failures wrap ErrUnavailable. The expected
// nonce is optional; when non-empty it must match the token's nonce.
func (e *PlayIntegrityEngine) Verify(ctx context.Context, integrityToken, expectedNonce string) (*IntegrityVerdict, error) {
	call := e.service.V1.DecodeIntegrityToken(e.packageName, &playintegrity.DecodeIntegrityTokenRequest{
		IntegrityToken: integrityToken,
	})
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode integrity token: %v", ErrUnavailable, err)
	}

	payload := resp.TokenPayloadExternal
	if payload == nil {
		return nil, fmt.Errorf("%w: empty token payload", ErrUnavailable)
	}

	if err := e.checkRequestDetails(payload.RequestDetails, expectedNonce); err != nil {
		return nil, err
	}
	if err := e.checkAppIntegrity(payload.AppIntegrity); err != nil {
		return nil, err
	}
	if err := e.checkDeviceIntegrity(payload.DeviceIntegrity); err != nil {
		return nil, err
	}

	return &IntegrityVerdict{
		PackageName:           payload.AppIntegrity.PackageName,
		AppRecognitionVerdict: payload.AppIntegrity.AppRecognitionVerdict,
		DeviceVerdicts:        payload.DeviceIntegrity.DeviceRecognitionVerdict,
		Nonce:                 payload.RequestDetails.Nonce,
	}, nil
}

func (e *PlayIntegrityEngine) checkRequestDetails(details *playintegrity.RequestDetails, expectedNonce string) error {
	if details == nil {
		return fmt.Errorf("%w: missing request details", ErrUnavailable)
	}

	if details.RequestPackageName != e.packageName {
		return fmt.Errorf("%w: unexpected package name %q", ErrRejected, details.RequestPackageName)
	}

	if expectedNonce != "" {
		nonce := details.Nonce
		if decoded, err := base64.StdEncoding.DecodeString(nonce); err == nil {
			nonce = string(decoded)
		}
		if nonce != expectedNonce && details.Nonce != expectedNonce {
			return fmt.Errorf("%w: nonce mismatch", ErrRejected)
		}
	}

	age := time.Since(time.UnixMilli(details.TimestampMillis))
	if age > e.maxAge {
		return fmt.Errorf("%w: token too old (%v)", ErrRejected, age.Truncate(time.Second))
	}
	if age < -time.Minute {
		return fmt.Errorf("%w: token timestamp is in the future", ErrRejected)
	}

	return nil
}

func (e *PlayIntegrityEngine) checkAppIntegrity(app *playintegrity.AppIntegrity) error {
	if app == nil {
		return fmt.Errorf("%w: missing app integrity", ErrUnavailable)
	}

	if app.AppRecognitionVerdict != "PLAY_RECOGNIZED" {
		return fmt.Errorf("%w: app not recognized by Play (verdict %s)", ErrRejected, app.AppRecognitionVerdict)
	}
	if app.PackageName != e.packageName {
		return fmt.Errorf("%w: package name mismatch in app integrity", ErrRejected)
	}
	return nil
}

func (e *PlayIntegrityEngine) checkDeviceIntegrity(device *playintegrity.DeviceIntegrity) error {
	if device == nil {
		return fmt.Errorf("%w: missing device integrity", ErrUnavailable)
	}

	hasDevice := false
	hasStrong := false
	for _, verdict := range device.DeviceRecognitionVerdict {
		switch verdict {
		case "MEETS_DEVICE_INTEGRITY":
			hasDevice = true
		case "MEETS_STRONG_INTEGRITY":
			hasStrong = true
		}
	}

	if e.requireStrong && !hasStrong {
		return fmt.Errorf("%w: device does not meet strong integrity (verdicts %v)", ErrRejected, device.DeviceRecognitionVerdict)
	}
	if !hasDevice && !hasStrong {
		return fmt.Errorf("%w: device integrity verdict missing (verdicts %v)", ErrRejected, device.DeviceRecognitionVerdict)
	}
	return nil
}
