package ios

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// DeviceCheck API endpoints.
const (
	deviceCheckProductionURL  = "https://api.devicecheck.apple.com/v1/validate_device_token"
	deviceCheckDevelopmentURL = "https://api.development.devicecheck.apple.com/v1/validate_device_token"
)

// DeviceCheckConfig holds configuration for the DeviceCheck API client.
type DeviceCheckConfig struct {
	// TeamID is the Apple Developer Team ID (required).
	TeamID string

	// KeyID identifies the DeviceCheck private key (required).
	KeyID string

	// PrivateKeyPath is the path to the .p8 ECDSA private key (required).
	PrivateKeyPath string

	// Development targets the sandbox endpoint instead of production.
	Development bool

	// Timeout bounds each API call (default: 30s).
	Timeout time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client

	// BaseURL overrides the Apple endpoint, mainly for tests.
	BaseURL string
}

// DeviceCheckClient validates device tokens against Apple's DeviceCheck API.
// A circuit breaker guards the outbound call so a struggling Apple endpoint
// fails fast instead of tying up request workers.
type DeviceCheckClient struct {
	teamID     string
	keyID      string
	signingKey *ecdsa.PrivateKey
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewDeviceCheckClient creates a DeviceCheck API client, loading and parsing
// the .p8 signing key up front so misconfiguration surfaces at startup.
func NewDeviceCheckClient(cfg DeviceCheckConfig) (*DeviceCheckClient, error) {
	if cfg.TeamID == "" || cfg.KeyID == "" || cfg.PrivateKeyPath == "" {
		return nil, fmt.Errorf("%w: team ID, key ID and private key path are required", ErrNotConfigured)
	}

	key, err := loadECDSAPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = deviceCheckProductionURL
		if cfg.Development {
			baseURL = deviceCheckDevelopmentURL
		}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "devicecheck-api",
		Timeout: timeout,
	})

	return &DeviceCheckClient{
		teamID:     cfg.TeamID,
		keyID:      cfg.KeyID,
		signingKey: key,
		baseURL:    baseURL,
		httpClient: httpClient,
		breaker:    breaker,
	}, nil
}

// ValidateToken submits a device token to Apple. A nil error means Apple
// accepted the token. A rejection by Apple wraps ErrRejected; transport and
// signing failures wrap ErrUnavailable.
func (c *DeviceCheckClient) ValidateToken(ctx context.Context, deviceToken string) error {
	if deviceToken == "" {
		return fmt.Errorf("%w: device token is empty", ErrUnavailable)
	}

	auth, err := c.authToken()
	if err != nil {
		return fmt.Errorf("%w: failed to sign API token: %v", ErrUnavailable, err)
	}

	body, err := json.Marshal(map[string]any{
		"device_token":   deviceToken,
		"transaction_id": uuid.NewString(),
		"timestamp":      time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	status, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Authorization", "Bearer "+auth)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, nil
	})
	if err != nil {
		return fmt.Errorf("%w: DeviceCheck API call failed: %v", ErrUnavailable, err)
	}

	switch code := status.(int); code {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest, http.StatusUnauthorized:
		return fmt.Errorf("%w: DeviceCheck rejected the device token (status %d)", ErrRejected, code)
	default:
		return fmt.Errorf("%w: unexpected DeviceCheck API status %d", ErrUnavailable, code)
	}
}

// authToken builds the short-lived ES256 JWT the DeviceCheck API requires.
func (c *DeviceCheckClient) authToken() (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": c.teamID,
		"iat": time.Now().Unix(),
	})
	token.Header["kid"] = c.keyID
	return token.SignedString(c.signingKey)
}

func loadECDSAPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// .p8 files exported before 2018 may use SEC1 encoding.
		if ecKey, secErr := x509.ParseECPrivateKey(block.Bytes); secErr == nil {
			return ecKey, nil
		}
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not ECDSA")
	}
	return key, nil
}
