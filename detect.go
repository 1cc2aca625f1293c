package attestgate

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Request headers consulted by the gate.
const (
	HeaderPlatform      = "X-Platform"
	HeaderAppAttest     = "X-App-Attest"
	HeaderPlayIntegrity = "X-Play-Integrity"
	HeaderUserAgent     = "User-Agent"
)

// detectValidator classifies a token into a validator type without verifying
// it. The heuristic is evaluated in priority order: explicit platform header
// with protocol sub-hints, Play Integrity token shape, unverified JOSE
// header issuer, and finally the emulator default. It returns false when the
// token cannot be classified.
func detectValidator(token string, headers map[string]string) (ValidatorType, bool) {
	switch strings.ToLower(headerValue(headers, HeaderPlatform)) {
	case "ios":
		if isTrue(headerValue(headers, HeaderAppAttest)) {
			return TypeAppAttest, true
		}
		return TypeDeviceCheck, true
	case "android":
		if isTrue(headerValue(headers, HeaderPlayIntegrity)) {
			return TypePlayIntegrity, true
		}
		return TypeSafetyNet, true
	}

	if looksLikePlayIntegrity(token) {
		return TypePlayIntegrity, true
	}

	switch issuerHint(token) {
	case PlatformIOS:
		return TypeDeviceCheck, true
	case PlatformAndroid:
		return TypeSafetyNet, true
	}

	// Emulator tokens without a platform header come from the iOS
	// simulator far more often than not.
	if token == emulatorToken {
		return TypeDeviceCheck, true
	}

	return "", false
}

// validatorPlatform maps a validator type to its platform.
func validatorPlatform(vt ValidatorType) Platform {
	switch vt {
	case TypeDeviceCheck, TypeAppAttest:
		return PlatformIOS
	case TypePlayIntegrity, TypeSafetyNet:
		return PlatformAndroid
	}
	return ""
}

// looksLikePlayIntegrity recognizes the three-part dot-delimited shape of an
// encrypted Play Integrity token, each part well over a hundred characters.
func looksLikePlayIntegrity(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if len(part) <= 100 {
			return false
		}
	}
	return true
}

// issuerHint peeks at the unverified JOSE header of a JWT-shaped token and
// maps an Apple or Google issuer to a platform. No signature is checked;
// this only selects which validator performs the real verification.
func issuerHint(token string) Platform {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return ""
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		if raw, err = base64.StdEncoding.DecodeString(parts[0]); err != nil {
			return ""
		}
	}

	var header struct {
		Issuer string `json:"iss"`
	}
	if err := json.Unmarshal(raw, &header); err != nil || header.Issuer == "" {
		return ""
	}

	iss := strings.ToLower(header.Issuer)
	switch {
	case strings.Contains(iss, "apple"), strings.Contains(iss, "ios"):
		return PlatformIOS
	case strings.Contains(iss, "google"), strings.Contains(iss, "android"):
		return PlatformAndroid
	}
	return ""
}

// headerValue performs a case-insensitive header lookup so the gate accepts
// whatever canonicalization the transport applied.
func headerValue(headers map[string]string, name string) string {
	if headers == nil {
		return ""
	}
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func isTrue(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "true")
}
