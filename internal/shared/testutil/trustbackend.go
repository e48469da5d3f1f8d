package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cutclip/internal/config"
	"cutclip/internal/trust"
)

// DeviceFixture is a device record held by the fake backend
type DeviceFixture struct {
	RemainingUses int
	LicenseKey    string
}

// LicenseFixture is a license key known to the fake backend
type LicenseFixture struct {
	UserEmail string
	ExpiresAt *time.Time
	BoundTo   string
}

// TrustBackend is an in-process license server speaking the trust API
// envelope. Unknown devices get 404 on lookup and are created on
// registration with the starter credits.
type TrustBackend struct {
	Server *httptest.Server

	mu       sync.Mutex
	devices  map[string]*DeviceFixture
	licenses map[string]*LicenseFixture
	calls    map[string]int
	down     bool
}

// NewTrustBackend starts a backend that is closed with t
func NewTrustBackend(t *testing.T) *TrustBackend {
	t.Helper()
	b := &TrustBackend{
		devices:  make(map[string]*DeviceFixture),
		licenses: make(map[string]*LicenseFixture),
		calls:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+trust.PathCheckDevice, b.checkDevice)
	mux.HandleFunc("POST "+trust.PathCreateDevice, b.createDevice)
	mux.HandleFunc("PUT "+trust.PathUpdateDevice, b.updateDevice)
	mux.HandleFunc("PUT "+trust.PathDecrementCredit, b.decrement)
	mux.HandleFunc("GET "+trust.PathValidateLicense, b.validate)

	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.calls[r.Method+" "+r.URL.Path]++
		down := b.down
		b.mu.Unlock()

		if down {
			reply(w, http.StatusServiceUnavailable, false, "maintenance", nil)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(b.Server.Close)
	return b
}

// URL is the API base URL
func (b *TrustBackend) URL() string { return b.Server.URL }

// AddDevice registers deviceID with remaining trial uses
func (b *TrustBackend) AddDevice(deviceID string, remaining int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[deviceID] = &DeviceFixture{RemainingUses: remaining}
}

// AddLicense makes key valid and unbound
func (b *TrustBackend) AddLicense(key, email string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.licenses[key] = &LicenseFixture{UserEmail: email}
}

// Device returns a copy of the device record
func (b *TrustBackend) Device(deviceID string) (DeviceFixture, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[deviceID]
	if !ok {
		return DeviceFixture{}, false
	}
	return *d, true
}

// SetDown makes every endpoint answer 503
func (b *TrustBackend) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// Calls returns how often "METHOD /path" was requested
func (b *TrustBackend) Calls(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[route]
}

type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func reply(w http.ResponseWriter, status int, success bool, msg string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: success, Message: msg, Data: data})
}

type deviceBody struct {
	DeviceID   string `json:"deviceId"`
	LicenseKey string `json:"licenseKey"`
}

func decodeBody(r *http.Request) deviceBody {
	var body deviceBody
	data, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(data, &body)
	return body
}

func (b *TrustBackend) checkDevice(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := r.URL.Query().Get("deviceId")
	d, ok := b.devices[id]
	if !ok {
		reply(w, http.StatusNotFound, false, "Device not found", nil)
		return
	}
	reply(w, http.StatusOK, true, "", map[string]interface{}{
		"deviceId":      id,
		"remainingUses": d.RemainingUses,
		"hasLicense":    d.LicenseKey != "",
		"quotaComplete": d.RemainingUses <= 0,
		"licenseKey":    d.LicenseKey,
	})
}

func (b *TrustBackend) createDevice(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)
	if body.DeviceID == "" {
		reply(w, http.StatusBadRequest, false, "deviceId is required", nil)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.devices[body.DeviceID]; !ok {
		b.devices[body.DeviceID] = &DeviceFixture{RemainingUses: config.StarterCredits}
	}
	reply(w, http.StatusCreated, true, "Device created", nil)
}

func (b *TrustBackend) validate(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := r.URL.Query().Get("key")
	deviceID := r.URL.Query().Get("deviceId")
	lic, ok := b.licenses[key]
	switch {
	case !ok:
		reply(w, http.StatusNotFound, false, "Invalid license", nil)
	case lic.BoundTo != "" && lic.BoundTo != deviceID:
		reply(w, http.StatusConflict, false, "License already used on another device", nil)
	default:
		reply(w, http.StatusOK, true, "License valid", map[string]interface{}{
			"licenseKey": key,
			"expiresAt":  lic.ExpiresAt,
			"userEmail":  lic.UserEmail,
		})
	}
}

func (b *TrustBackend) updateDevice(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)

	b.mu.Lock()
	defer b.mu.Unlock()

	lic, ok := b.licenses[body.LicenseKey]
	if !ok {
		reply(w, http.StatusNotFound, false, "Invalid license", nil)
		return
	}
	d, ok := b.devices[body.DeviceID]
	if !ok {
		d = &DeviceFixture{}
		b.devices[body.DeviceID] = d
	}
	lic.BoundTo = body.DeviceID
	d.LicenseKey = body.LicenseKey
	reply(w, http.StatusOK, true, "Device updated", nil)
}

func (b *TrustBackend) decrement(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)

	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[body.DeviceID]
	if !ok {
		reply(w, http.StatusNotFound, false, "Device not found", nil)
		return
	}
	if d.RemainingUses > 0 {
		d.RemainingUses--
	}
	reply(w, http.StatusOK, true, "", map[string]int{"remainingUses": d.RemainingUses})
}
