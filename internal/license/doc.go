// Package license implements the per-device license and free-trial state
// machine.
//
// # Status
//
// A device is in exactly one Status at a time:
//
//	Unknown      not yet resolved (initial)
//	Unlicensed   a cached license was revoked and no trial credit remains
//	FreeTrial(n) n trial uses left
//	TrialExpired no trial credit and no license
//	Licensed     a license key is bound to this device
//
// State adds an orthogonal HasNetworkError flag. While it is set,
// NeedsLicenseSetup is false so a connectivity loss never locks a user out.
//
// # Initialization
//
// Manager.Initialize runs at most once at a time:
//
//  1. A license cached in the vault is validated against the backend. A
//     valid verdict resolves to Licensed. An explicit invalid verdict deletes
//     the cached license and falls through. A network failure keeps the
//     cached Licensed status and flags the error.
//  2. Otherwise the device is looked up. Unknown devices are registered with
//     the starter credits; known devices resolve to Licensed, TrialExpired
//     or FreeTrial from the backend's answer.
//
// Initialized becomes true when a status is resolved or an error has been
// flagged, so callers never wait forever. Retry re-runs the sequence.
//
// # Activation
//
// Activate checks the key format locally, then validates and binds it. The
// license is written to the vault only after both calls succeed.
//
// # Concurrency
//
// All state mutation happens on an eventloop.Loop. Backend calls run on
// worker goroutines and post results back. Results from a cancelled context
// or a superseded generation are dropped. State is readable from any
// goroutine; Subscribe delivers changes.
package license
