package attestgate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubConfig() Config {
	return Config{
		Enabled:           true,
		StubMode:          true,
		RolloutPercentage: 100,
	}
}

func newTestGate(t *testing.T, cfg Config) *Gate {
	t.Helper()
	gate, err := NewGate(cfg)
	require.NoError(t, err)
	t.Cleanup(gate.Close)
	return gate
}

// countingValidator records how many times it was dispatched and returns a
// canned result.
type countingValidator struct {
	calls  atomic.Int64
	result func(deviceID string, metadata map[string]any) *AttestationResult
}

func (v *countingValidator) Validate(ctx context.Context, token, deviceID string, metadata map[string]any) *AttestationResult {
	v.calls.Add(1)
	return v.result(deviceID, metadata)
}

func (v *countingValidator) Type() ValidatorType { return TypeDeviceCheck }
func (v *countingValidator) Platform() Platform  { return PlatformIOS }
func (v *countingValidator) IsConfigured() bool  { return true }

func TestGate_Disabled(t *testing.T) {
	cfg := stubConfig()
	cfg.Enabled = false
	gate := newTestGate(t, cfg)

	for _, token := range []string{"emulator", "real-token", ""} {
		result := gate.Validate(context.Background(), token, nil, "", nil)
		assert.Equal(t, StatusError, result.Status)
		assert.Contains(t, result.ErrorMessage, "disabled")
	}
}

func TestGate_RolloutGate(t *testing.T) {
	t.Run("zero percent rejects everything", func(t *testing.T) {
		cfg := stubConfig()
		cfg.RolloutPercentage = 0
		gate := newTestGate(t, cfg)

		result := gate.Validate(context.Background(), "token", nil, "", nil)
		assert.Equal(t, StatusError, result.Status)
		assert.Contains(t, result.ErrorMessage, "feature flag disabled")
	})

	t.Run("deterministic source", func(t *testing.T) {
		rolls := []int{10, 90, 49, 50}
		i := 0
		cfg := stubConfig()
		cfg.RolloutPercentage = 50
		cfg.RolloutSource = func() int {
			v := rolls[i%len(rolls)]
			i++
			return v
		}
		gate := newTestGate(t, cfg)
		headers := map[string]string{"X-Platform": "ios"}

		want := []Status{StatusValid, StatusError, StatusValid, StatusError}
		for n, expected := range want {
			result := gate.Validate(context.Background(), fmt.Sprintf("token-%d", n), headers, "device-1", nil)
			assert.Equal(t, expected, result.Status, "roll %d", n)
			if expected == StatusError {
				assert.Contains(t, result.ErrorMessage, "feature flag disabled")
			}
		}
	})

	t.Run("hundred percent never samples", func(t *testing.T) {
		cfg := stubConfig()
		cfg.RolloutSource = func() int {
			t.Fatal("rollout source must not be sampled at 100%")
			return 0
		}
		gate := newTestGate(t, cfg)

		result := gate.Validate(context.Background(), "token", map[string]string{"X-Platform": "ios"}, "device-1", nil)
		assert.Equal(t, StatusValid, result.Status)
	})
}

func TestGate_StubMode(t *testing.T) {
	t.Run("emulator rejected", func(t *testing.T) {
		gate := newTestGate(t, stubConfig())

		result := gate.Validate(context.Background(), "emulator", nil, "device-1", nil)
		assert.Equal(t, StatusInvalid, result.Status)
		assert.Contains(t, result.ErrorMessage, "emulator")
	})

	t.Run("emulator allowed when configured", func(t *testing.T) {
		cfg := stubConfig()
		cfg.StubAllowEmulator = true
		gate := newTestGate(t, cfg)

		result := gate.Validate(context.Background(), "emulator", nil, "device-1", nil)
		assert.Equal(t, StatusValid, result.Status)
		assert.Empty(t, result.ErrorMessage)
	})

	t.Run("other tokens accepted", func(t *testing.T) {
		gate := newTestGate(t, stubConfig())

		for _, token := range []string{"any-token", "abc123", strings.Repeat("x", 500)} {
			result := gate.Validate(context.Background(), token, map[string]string{"X-Platform": "ios"}, "device-1", nil)
			assert.Equal(t, StatusValid, result.Status)
		}
	})
}

func TestGate_DeviceIDDerivation(t *testing.T) {
	gate := newTestGate(t, stubConfig())
	headers := map[string]string{"User-Agent": "EvidenceApp/2.1 (iPhone)"}

	first := gate.Validate(context.Background(), "some-token", headers, "", nil)
	second := gate.Validate(context.Background(), "some-token", headers, "", nil)

	require.NotEmpty(t, first.DeviceID)
	assert.Len(t, first.DeviceID, derivedDeviceIDLength)
	assert.Equal(t, first.DeviceID, second.DeviceID, "same client must derive the same device ID")

	other := gate.Validate(context.Background(), "some-token", map[string]string{"User-Agent": "Other/1.0"}, "", nil)
	assert.NotEqual(t, first.DeviceID, other.DeviceID)
}

func TestGate_RateLimit(t *testing.T) {
	cfg := stubConfig()
	cfg.RateLimitMax = 2
	cfg.RateLimitWindow = time.Hour
	gate := newTestGate(t, cfg)
	headers := map[string]string{"X-Platform": "ios"}

	for i := 0; i < 2; i++ {
		result := gate.Validate(context.Background(), "token", headers, "device-1", nil)
		assert.Equal(t, StatusValid, result.Status, "call %d", i+1)
	}

	third := gate.Validate(context.Background(), "token", headers, "device-1", nil)
	assert.Equal(t, StatusError, third.Status)
	assert.Contains(t, third.ErrorMessage, "rate limit")
	assert.Equal(t, 0, third.Metadata["rate_limit_remaining"])

	// Other devices are unaffected.
	other := gate.Validate(context.Background(), "token", headers, "device-2", nil)
	assert.Equal(t, StatusValid, other.Status)
}

func TestGate_RateLimitAppliesToCacheHits(t *testing.T) {
	cfg := stubConfig()
	cfg.RateLimitMax = 3
	gate := newTestGate(t, cfg)
	headers := map[string]string{"X-Platform": "ios"}

	// Identical token each time: calls 2-3 are cache hits, yet the 4th
	// call must still be rejected by quota.
	for i := 0; i < 3; i++ {
		result := gate.Validate(context.Background(), "flood-token", headers, "device-1", nil)
		require.Equal(t, StatusValid, result.Status)
	}

	result := gate.Validate(context.Background(), "flood-token", headers, "device-1", nil)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.ErrorMessage, "rate limit")
}

func TestGate_Idempotence(t *testing.T) {
	gate := newTestGate(t, stubConfig())
	headers := map[string]string{"X-Platform": "ios", "User-Agent": "App/1.0"}

	first := gate.Validate(context.Background(), "stable-token", headers, "", nil)
	second := gate.Validate(context.Background(), "stable-token", headers, "", nil)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Platform, second.Platform)
	assert.Equal(t, first.ValidatorType, second.ValidatorType)
	assert.Equal(t, first.DeviceID, second.DeviceID)
}

func TestGate_CacheOnlyStoresValid(t *testing.T) {
	tests := []struct {
		name   string
		result func(deviceID string, metadata map[string]any) *AttestationResult
	}{
		{
			name: "invalid results re-dispatch",
			result: func(deviceID string, metadata map[string]any) *AttestationResult {
				return NewInvalidResult(deviceID, "integrity verdict missing", metadata)
			},
		},
		{
			name: "error results re-dispatch",
			result: func(deviceID string, metadata map[string]any) *AttestationResult {
				return NewErrorResult(deviceID, "vendor API unreachable", metadata)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counting := &countingValidator{result: tt.result}
			cfg := stubConfig()
			cfg.Validators = map[ValidatorType]Validator{TypeDeviceCheck: counting}
			gate := newTestGate(t, cfg)
			headers := map[string]string{"X-Platform": "ios"}

			gate.Validate(context.Background(), "failing-token", headers, "device-1", nil)
			gate.Validate(context.Background(), "failing-token", headers, "device-1", nil)

			assert.Equal(t, int64(2), counting.calls.Load(), "non-Valid results must not be served from cache")
		})
	}
}

func TestGate_CacheHitSkipsDispatch(t *testing.T) {
	counting := &countingValidator{result: func(deviceID string, metadata map[string]any) *AttestationResult {
		return NewValidResult(deviceID, metadata)
	}}
	cfg := stubConfig()
	cfg.Validators = map[ValidatorType]Validator{TypeDeviceCheck: counting}
	gate := newTestGate(t, cfg)
	headers := map[string]string{"X-Platform": "ios"}

	gate.Validate(context.Background(), "good-token", headers, "device-1", nil)
	gate.Validate(context.Background(), "good-token", headers, "device-1", nil)

	assert.Equal(t, int64(1), counting.calls.Load())
	assert.Equal(t, int64(1), gate.Metrics().CacheHits)
}

func TestGate_CachedResultKeepsOriginalDeviceID(t *testing.T) {
	gate := newTestGate(t, stubConfig())
	headers := map[string]string{"X-Platform": "ios"}

	first := gate.Validate(context.Background(), "shared-token", headers, "device-a", nil)
	require.Equal(t, StatusValid, first.Status)

	// A different device presenting the identical token gets the cached
	// result as-is; the cache key is the token, not the device.
	second := gate.Validate(context.Background(), "shared-token", headers, "device-b", nil)
	assert.Equal(t, "device-a", second.DeviceID)
}

func TestGate_PlatformUndetected(t *testing.T) {
	gate := newTestGate(t, stubConfig())

	result := gate.Validate(context.Background(), "opaque-token", nil, "device-1", nil)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.ErrorMessage, "could not detect device platform")
}

func TestGate_MetadataRoundTrip(t *testing.T) {
	gate := newTestGate(t, stubConfig())
	metadata := map[string]any{"case_id": "case-42", "attempt": 3}

	result := gate.Validate(context.Background(), "token", map[string]string{"X-Platform": "android"}, "device-1", metadata)
	require.Equal(t, StatusValid, result.Status)
	assert.Equal(t, "case-42", result.Metadata["case_id"])
	assert.Equal(t, 3, result.Metadata["attempt"])
	assert.NotEmpty(t, result.Metadata["request_id"])
}

func TestGate_Metrics(t *testing.T) {
	gate := newTestGate(t, stubConfig())
	headers := map[string]string{"X-Platform": "ios"}

	// 3 valid, 2 invalid (distinct tokens so nothing is served from cache).
	for i := 0; i < 3; i++ {
		gate.Validate(context.Background(), fmt.Sprintf("good-%d", i), headers, "device-1", nil)
	}
	for i := 0; i < 2; i++ {
		gate.Validate(context.Background(), "emulator", headers, "device-1", nil)
	}

	snap := gate.Metrics()
	assert.Equal(t, int64(5), snap.TotalRequests)
	assert.Equal(t, int64(3), snap.Valid)
	assert.Equal(t, int64(2), snap.Invalid)
	assert.InDelta(t, 60.0, snap.SuccessRate, 0.001)
	assert.Equal(t, int64(5), snap.ByPlatform[PlatformIOS])
	assert.Equal(t, int64(5), snap.ByValidator[TypeDeviceCheck])

	gate.ResetMetrics()
	snap = gate.Metrics()
	assert.Zero(t, snap.TotalRequests)
	assert.Zero(t, snap.SuccessRate)
}

func TestGate_Concurrency(t *testing.T) {
	const (
		devices     = 5
		perDevice   = 10
		quota       = 100
		concurrency = devices * perDevice
	)

	cfg := stubConfig()
	cfg.RateLimitMax = quota
	gate := newTestGate(t, cfg)
	headers := map[string]string{"X-Platform": "android", "X-Play-Integrity": "true"}

	var wg sync.WaitGroup
	results := make(chan *AttestationResult, concurrency)
	for d := 0; d < devices; d++ {
		for i := 0; i < perDevice; i++ {
			wg.Add(1)
			go func(device, n int) {
				defer wg.Done()
				token := fmt.Sprintf("token-%d-%d", device, n)
				deviceID := fmt.Sprintf("device-%d", device)
				results <- gate.Validate(context.Background(), token, headers, deviceID, nil)
			}(d, i)
		}
	}
	wg.Wait()
	close(results)

	for result := range results {
		assert.Equal(t, StatusValid, result.Status)
	}
	assert.True(t, gate.IsHealthy())

	snap := gate.Metrics()
	assert.Equal(t, int64(concurrency), snap.TotalRequests)
	assert.Equal(t, int64(concurrency), snap.Valid)
}

func TestGate_ValidatorStatus(t *testing.T) {
	gate := newTestGate(t, stubConfig())

	status := gate.ValidatorStatus()
	require.Len(t, status, 4)
	for _, vt := range []ValidatorType{TypeDeviceCheck, TypeAppAttest, TypePlayIntegrity, TypeSafetyNet} {
		s, ok := status[vt]
		require.True(t, ok, "missing status for %s", vt)
		assert.True(t, s.Configured, "%s is always configured in stub mode", vt)
		assert.True(t, s.StubMode)
	}
	assert.Equal(t, PlatformIOS, status[TypeAppAttest].Platform)
	assert.Equal(t, PlatformAndroid, status[TypeSafetyNet].Platform)
}

func TestGate_IsHealthy(t *testing.T) {
	gate := newTestGate(t, stubConfig())
	assert.True(t, gate.IsHealthy())
}

func TestNewGate_InvalidConfig(t *testing.T) {
	cfg := stubConfig()
	cfg.RolloutPercentage = 150

	gate, err := NewGate(cfg)
	assert.Error(t, err)
	assert.Nil(t, gate)
}
