package license

import (
	"encoding/json"
	"time"
)

// Kind identifies the active variant of a Status.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnlicensed
	KindFreeTrial
	KindTrialExpired
	KindLicensed
)

func (k Kind) String() string {
	switch k {
	case KindUnlicensed:
		return "unlicensed"
	case KindFreeTrial:
		return "free_trial"
	case KindTrialExpired:
		return "trial_expired"
	case KindLicensed:
		return "licensed"
	default:
		return "unknown"
	}
}

// License is a validated key bound to this device. It is persisted in the
// vault only after the backend confirmed both validation and binding.
type License struct {
	Key         string     `json:"key"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	UserEmail   string     `json:"userEmail,omitempty"`
	ActivatedAt time.Time  `json:"activatedAt"`
}

// Status is the license status sum type. Build values with the constructors;
// the zero value is Unknown.
type Status struct {
	kind      Kind
	remaining int
	license   License
}

func Unknown() Status      { return Status{kind: KindUnknown} }
func Unlicensed() Status   { return Status{kind: KindUnlicensed} }
func TrialExpired() Status { return Status{kind: KindTrialExpired} }

// FreeTrial returns a trial with n uses left. n <= 0 is TrialExpired.
func FreeTrial(n int) Status {
	if n <= 0 {
		return TrialExpired()
	}
	return Status{kind: KindFreeTrial, remaining: n}
}

// Licensed returns a licensed status. Detail may be incomplete when it comes
// from a device lookup rather than a validation.
func Licensed(l License) Status {
	return Status{kind: KindLicensed, license: l}
}

func (s Status) Kind() Kind { return s.kind }

// Remaining returns the trial uses left; ok is false outside FreeTrial.
func (s Status) Remaining() (n int, ok bool) {
	return s.remaining, s.kind == KindFreeTrial
}

// License returns the license detail; ok is false unless Licensed.
func (s Status) License() (l License, ok bool) {
	return s.license, s.kind == KindLicensed
}

// Terminal reports whether the status is a resolved state.
func (s Status) Terminal() bool { return s.kind != KindUnknown }

func (s Status) String() string { return s.kind.String() }

type statusJSON struct {
	Kind          string     `json:"kind"`
	RemainingUses *int       `json:"remaining_uses,omitempty"`
	LicenseKey    string     `json:"license_key,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	UserEmail     string     `json:"user_email,omitempty"`
}

// MarshalJSON renders the status for the local API. The license key is
// masked.
func (s Status) MarshalJSON() ([]byte, error) {
	out := statusJSON{Kind: s.kind.String()}
	switch s.kind {
	case KindFreeTrial:
		n := s.remaining
		out.RemainingUses = &n
	case KindLicensed:
		out.LicenseKey = maskLicenseKey(s.license.Key)
		out.ExpiresAt = s.license.ExpiresAt
		out.UserEmail = maskEmail(s.license.UserEmail)
	}
	return json.Marshal(out)
}

// State is the observable license state. Status and HasNetworkError are
// orthogonal: the flag may be set alongside any status.
type State struct {
	Status          Status `json:"status"`
	HasNetworkError bool   `json:"has_network_error"`
	Initialized     bool   `json:"initialized"`
	Initializing    bool   `json:"initializing"`
	LastError       string `json:"last_error,omitempty"`
}

// NeedsLicenseSetup is true for TrialExpired and Unlicensed, never while a
// network error is flagged.
func (s State) NeedsLicenseSetup() bool {
	if s.HasNetworkError {
		return false
	}
	return s.Status.kind == KindTrialExpired || s.Status.kind == KindUnlicensed
}
