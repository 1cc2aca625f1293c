package attestgate

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kacy/attestation-gate/ios"
)

// DeviceCheckValidator validates iOS DeviceCheck device tokens. In live mode
// it submits the token to Apple's DeviceCheck API; in stub mode it applies
// the shared deterministic rules.
type DeviceCheckValidator struct {
	cfg    *Config
	logger *zap.Logger
	client *ios.DeviceCheckClient
}

// NewDeviceCheckValidator creates a DeviceCheck validator. Missing Apple
// credentials leave the validator unconfigured rather than failing: an
// unconfigured validator reports itself through IsConfigured and returns
// Error results in live mode.
func NewDeviceCheckValidator(cfg *Config) *DeviceCheckValidator {
	v := &DeviceCheckValidator{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("validator", string(TypeDeviceCheck))),
	}

	if !cfg.StubMode {
		client, err := ios.NewDeviceCheckClient(ios.DeviceCheckConfig{
			TeamID:         cfg.AppleTeamID,
			KeyID:          cfg.AppleKeyID,
			PrivateKeyPath: cfg.ApplePrivateKeyPath,
			Timeout:        cfg.APITimeout,
		})
		if err != nil {
			v.logger.Warn("devicecheck client unavailable", zap.Error(err))
		} else {
			v.client = client
		}
	}

	return v
}

// Type returns the validator identity.
func (v *DeviceCheckValidator) Type() ValidatorType { return TypeDeviceCheck }

// Platform returns the platform this validator serves.
func (v *DeviceCheckValidator) Platform() Platform { return PlatformIOS }

// IsConfigured reports whether live verification is possible.
func (v *DeviceCheckValidator) IsConfigured() bool {
	return v.cfg.StubMode || v.client != nil
}

// Validate checks a DeviceCheck device token.
func (v *DeviceCheckValidator) Validate(ctx context.Context, token, deviceID string, metadata map[string]any) *AttestationResult {
	fp := Fingerprint(token)
	v.logger.Debug("validating token", zap.String("fingerprint", fp))

	if v.cfg.StubMode {
		return tag(stubValidate(v.cfg, token, deviceID, metadata), v)
	}

	if v.client == nil {
		return tag(NewErrorResult(deviceID, "devicecheck validator is not configured", metadata), v)
	}

	err := v.client.ValidateToken(ctx, token)
	if err != nil {
		v.logger.Info("token rejected or unverifiable",
			zap.String("fingerprint", fp), zap.Error(err))
		if errors.Is(err, ios.ErrRejected) {
			return tag(NewInvalidResult(deviceID, err.Error(), metadata), v)
		}
		return tag(NewErrorResult(deviceID, err.Error(), metadata), v)
	}

	v.logger.Debug("token accepted", zap.String("fingerprint", fp))
	result := NewValidResult(deviceID, metadata)
	result.SetMeta("devicecheck_api", "validated")
	return tag(result, v)
}
