// Package attestgate provides a request-time device attestation gate for
// mobile clients.
//
// Given a platform-issued integrity token (iOS DeviceCheck / App Attest,
// Android Play Integrity / SafetyNet) and the request headers, the gate
// decides whether the originating device and app are trustworthy enough to
// accept a privileged action. It layers an enable flag, a percentage rollout,
// per-device sliding-window rate limiting, a fingerprint result cache, and
// platform detection in front of four protocol validators.
//
// # Basic Usage
//
//	cfg, err := attestgate.LoadFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	gate, err := attestgate.NewGate(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gate.Close()
//
//	result := gate.Validate(ctx, token, headers, "", nil)
//	switch result.Status {
//	case attestgate.StatusValid:
//	    // accept the privileged action
//	case attestgate.StatusInvalid:
//	    // reject: the token failed a trust check (HTTP 422)
//	case attestgate.StatusError:
//	    // reject: the token could not be verified (HTTP 503)
//	}
//
// The caller is responsible for translating the result into an HTTP status
// and for persisting any audit record. StatusInvalid is a security verdict;
// StatusError is an availability or configuration problem. The two must not
// be collapsed downstream.
//
// # Stub Mode
//
// With Config.StubMode enabled, validators never touch the network: the
// literal token "emulator" is rejected unless Config.StubAllowEmulator is
// set, and every other token is accepted. This mode exists for deterministic
// testing and gradual rollout.
package attestgate
