package session

// AppView is the screen the UI should show.
type AppView int

const (
	ViewDisclaimer AppView = iota
	ViewAutoSetup
	ViewLoading
	ViewLicenseSetup
	ViewMain
)

func (v AppView) String() string {
	switch v {
	case ViewDisclaimer:
		return "disclaimer"
	case ViewAutoSetup:
		return "auto_setup"
	case ViewLoading:
		return "loading"
	case ViewLicenseSetup:
		return "license_setup"
	case ViewMain:
		return "main"
	default:
		return "unknown"
	}
}

// MarshalText renders the view by name.
func (v AppView) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Inputs are the signals the view is derived from.
type Inputs struct {
	ConsentGiven        bool `json:"consent_given"`
	BinaryReady         bool `json:"binary_ready"`
	LicenseInitialized  bool `json:"license_initialized"`
	HasNetworkError     bool `json:"has_network_error"`
	BlockingErrorDialog bool `json:"blocking_error_dialog"`
	NeedsLicenseSetup   bool `json:"needs_license_setup"`
}

// rule identifies which row of the derivation table matched.
type rule int

const (
	ruleNoConsent rule = iota + 1
	ruleBinaryPending
	ruleLicensePending
	ruleDegraded
	ruleLicenseSetup
	ruleReady
)

// Derive maps inputs to a view. The first matching rule wins.
func Derive(in Inputs) AppView {
	v, _ := derive(in)
	return v
}

func derive(in Inputs) (AppView, rule) {
	switch {
	case !in.ConsentGiven:
		return ViewDisclaimer, ruleNoConsent
	case !in.BinaryReady:
		return ViewAutoSetup, ruleBinaryPending
	case !in.LicenseInitialized:
		return ViewLoading, ruleLicensePending
	case in.HasNetworkError || in.BlockingErrorDialog:
		return ViewLoading, ruleDegraded
	case in.NeedsLicenseSetup && !in.HasNetworkError:
		return ViewLicenseSetup, ruleLicenseSetup
	default:
		return ViewMain, ruleReady
	}
}
