package trust

import (
	"encoding/json"
	"strings"
	"time"
)

// Endpoint paths, relative to the API base URL.
const (
	PathCheckDevice     = "/users/check-device"
	PathCreateDevice    = "/users/create-device"
	PathUpdateDevice    = "/users/update-device"
	PathDecrementCredit = "/users/decrement-free-credits"
	PathValidateLicense = "/validate-license"
)

// Reason classifies why a license failed validation.
type Reason string

const (
	ReasonBoundToAnotherDevice Reason = "bound_to_another_device"
	ReasonInvalidKey           Reason = "invalid_key"
)

// Server messages recognised by ValidateLicense, matched case-insensitively.
const (
	msgBoundElsewhere = "already used on another device"
	msgInvalidLicense = "invalid license"
)

// envelope is the response wrapper every endpoint uses.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) hasData() bool {
	d := strings.TrimSpace(string(e.Data))
	return d != "" && d != "null"
}

// deviceData is the device object returned by check-device.
type deviceData struct {
	DeviceID      string `json:"deviceId"`
	RemainingUses *int   `json:"remainingUses"`
	HasLicense    bool   `json:"hasLicense"`
	QuotaComplete bool   `json:"quotaComplete"`
	LicenseKey    string `json:"licenseKey,omitempty"`
}

// DeviceStatus is the result of CheckDevice.
type DeviceStatus struct {
	Exists        bool
	RemainingUses int
	HasLicense    bool
	QuotaComplete bool
	LicenseKey    string
	RawResponse   string
}

// Exhausted reports whether the device has no trial credit left.
func (s DeviceStatus) Exhausted() bool {
	return s.QuotaComplete || s.RemainingUses <= 0
}

// Registration is the result of RegisterDevice.
type Registration struct {
	DeviceID     string
	Credits      int
	Message      string
	RegisteredAt time.Time
	RawResponse  string
}

type licenseData struct {
	LicenseKey string     `json:"licenseKey"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	UserEmail  string     `json:"userEmail,omitempty"`
}

// Validation is the verdict of ValidateLicense.
type Validation struct {
	Valid     bool
	Reason    Reason
	Message   string
	ExpiresAt *time.Time
	UserEmail string
}

// Binding is the result of BindLicense.
type Binding struct {
	Success bool
	Message string
}

type usageData struct {
	RemainingUses int `json:"remainingUses"`
}

// Usage is the result of DecrementUsage.
type Usage struct {
	RemainingUses   int
	RequiresLicense bool
	RawResponse     string
}

type registerRequest struct {
	DeviceID   string `json:"deviceId"`
	Platform   string `json:"platform"`
	Arch       string `json:"arch"`
	Hostname   string `json:"hostname,omitempty"`
	AppVersion string `json:"appVersion"`
}

type bindRequest struct {
	DeviceID   string `json:"deviceId"`
	LicenseKey string `json:"licenseKey"`
}

type decrementRequest struct {
	DeviceID string `json:"deviceId"`
}

// classifyReason maps the server message to a Reason. Unrecognised messages
// pass through verbatim.
func classifyReason(message string) Reason {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, msgBoundElsewhere):
		return ReasonBoundToAnotherDevice
	case strings.Contains(lower, msgInvalidLicense):
		return ReasonInvalidKey
	default:
		return Reason(message)
	}
}
