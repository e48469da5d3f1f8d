package config

import "time"

// Application constants
const (
	// Application Info
	AppName    = "CutClip"
	AppVersion = "1.4.0"
	AppVendor  = "CutClip"

	// Licensing backend
	DefaultAPIBaseURL = "https://api.cutclip.app"
	APIBaseURLEnvVar  = "CUTCLIP_API_BASE_URL"

	// License key format: four groups of four uppercase alphanumerics
	LicenseKeyGroups      = 4
	LicenseKeyGroupSize   = 4
	LicenseKeyPattern     = "^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$"
	LicenseKeyPlaceholder = "XXXX-XXXX-XXXX-XXXX"

	// StarterCredits is granted by the client after a successful device
	// registration. The backend does not echo the count back.
	StarterCredits = 3

	// Network Timeouts
	LicenseCheckTimeout  = 10 * time.Second
	WebSocketPingPeriod  = 30 * time.Second
	WebSocketPongWait    = 60 * time.Second
	NetworkProbeInterval = 15 * time.Second
	NetworkProbeTimeout  = 3 * time.Second

	// Vault accounts
	VaultAccountAPIKey    = "api-key"
	VaultAccountAPISecret = "api-secret"
	VaultAccountLicense   = "license"

	// Local status API
	DefaultStatusAddr      = "127.0.0.1:7341"
	ActivationRateLimitRPS = 0.5
	ActivationRateBurst    = 3
)
