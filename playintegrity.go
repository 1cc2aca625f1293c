package attestgate

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kacy/attestation-gate/android"
)

// PlayIntegrityValidator validates Android Play Integrity tokens through
// Google's Play Integrity API. The expected nonce, when the caller has one,
// is supplied through the metadata key "challenge".
type PlayIntegrityValidator struct {
	cfg    *Config
	logger *zap.Logger
	engine *android.PlayIntegrityEngine
}

// NewPlayIntegrityValidator creates a Play Integrity validator.
func NewPlayIntegrityValidator(cfg *Config) *PlayIntegrityValidator {
	v := &PlayIntegrityValidator{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("validator", string(TypePlayIntegrity))),
	}

	if !cfg.StubMode {
		engine, err := android.NewPlayIntegrityEngine(context.Background(), android.PlayIntegrityConfig{
			PackageName:        cfg.AndroidPackageName,
			GCPProjectID:       cfg.GCPProjectID,
			GCPCredentialsFile: cfg.GCPCredentialsFile,
		})
		if err != nil {
			v.logger.Warn("playintegrity engine unavailable", zap.Error(err))
		} else {
			v.engine = engine
		}
	}

	return v
}

// Type returns the validator identity.
func (v *PlayIntegrityValidator) Type() ValidatorType { return TypePlayIntegrity }

// Platform returns the platform this validator serves.
func (v *PlayIntegrityValidator) Platform() Platform { return PlatformAndroid }

// IsConfigured reports whether live verification is possible.
func (v *PlayIntegrityValidator) IsConfigured() bool {
	return v.cfg.StubMode || v.engine != nil
}

// Validate checks a Play Integrity token.
func (v *PlayIntegrityValidator) Validate(ctx context.Context, token, deviceID string, metadata map[string]any) *AttestationResult {
	fp := Fingerprint(token)
	v.logger.Debug("validating token", zap.String("fingerprint", fp))

	if v.cfg.StubMode {
		return tag(stubValidate(v.cfg, token, deviceID, metadata), v)
	}

	if v.engine == nil {
		return tag(NewErrorResult(deviceID, "playintegrity validator is not configured", metadata), v)
	}

	verdict, err := v.engine.Verify(ctx, token, metaString(metadata, "challenge"))
	if err != nil {
		v.logger.Info("token rejected or unverifiable",
			zap.String("fingerprint", fp), zap.Error(err))
		if errors.Is(err, android.ErrRejected) {
			return tag(NewInvalidResult(deviceID, err.Error(), metadata), v)
		}
		return tag(NewErrorResult(deviceID, err.Error(), metadata), v)
	}

	v.logger.Debug("token accepted", zap.String("fingerprint", fp))
	result := NewValidResult(deviceID, metadata)
	result.SetMeta("app_recognition_verdict", verdict.AppRecognitionVerdict)
	result.SetMeta("device_verdicts", verdict.DeviceVerdicts)
	return tag(result, v)
}
