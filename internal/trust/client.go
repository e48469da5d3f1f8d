package trust

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"cutclip/internal/config"
	apperrors "cutclip/internal/errors"
	"cutclip/internal/infrastructure"
	"cutclip/internal/security"
)

const maxResponseBytes = 1 << 20

// RequestSigner authenticates an outbound request.
type RequestSigner interface {
	Sign(ctx context.Context, req *http.Request, body []byte) error
}

// Client talks to the licensing backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     RequestSigner
	timeout    time.Duration
	logger     *slog.Logger
	telemetry  *telemetry
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTelemetry attaches tracing and metrics.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(c *Client) {
		c.telemetry = newTelemetry(tracer, meter, c.logger)
	}
}

// NewClient creates a client for baseURL. A nil signer sends unsigned
// requests.
func NewClient(baseURL string, signer RequestSigner, logger *slog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", baseURL)
	}

	c := &Client{
		baseURL:    u.String(),
		httpClient: &http.Client{},
		signer:     signer,
		timeout:    config.LicenseCheckTimeout,
		logger:     infrastructure.WithComponent(logger, "trust"),
	}
	c.telemetry = newTelemetry(nil, nil, c.logger)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalised backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CheckDevice looks the device up. Only a successful envelope carrying a
// device object means the device exists; every other decodable answer,
// including 404, means it is unknown. An unlicensed device object without a
// credit count is a StatusError.
func (c *Client) CheckDevice(ctx context.Context, deviceID string) (DeviceStatus, error) {
	var status DeviceStatus
	err := c.telemetry.observe(ctx, "check-device", func(ctx context.Context) error {
		resp, err := c.do(ctx, "check-device", http.MethodGet, PathCheckDevice, url.Values{"deviceId": {deviceID}}, nil)
		if err != nil {
			return err
		}
		if err := resp.failure("check-device", isClientStatus); err != nil {
			return err
		}

		status = DeviceStatus{RawResponse: resp.raw}
		if !resp.decoded || !resp.env.Success || !resp.env.hasData() {
			return nil
		}

		var data deviceData
		if err := json.Unmarshal(resp.env.Data, &data); err != nil {
			c.logger.WarnContext(ctx, "device object not decodable, treating device as unknown",
				slog.String("error", err.Error()))
			return nil
		}

		// Without a count an unlicensed device cannot be told apart from an
		// exhausted one; reading it as zero would lock the user out.
		if data.RemainingUses == nil && !data.HasLicense && !data.QuotaComplete {
			return &apperrors.StatusError{Op: "check-device", Code: resp.status, Message: "device record missing remainingUses"}
		}

		status.Exists = true
		status.HasLicense = data.HasLicense
		status.QuotaComplete = data.QuotaComplete
		status.LicenseKey = data.LicenseKey
		if data.RemainingUses != nil {
			status.RemainingUses = *data.RemainingUses
		}
		return nil
	})
	return status, err
}

// RegisterDevice creates the device record. The starter credit count is a
// client-side constant; the backend does not report it.
func (c *Client) RegisterDevice(ctx context.Context, deviceID string, info security.DeviceInfo) (Registration, error) {
	var reg Registration
	err := c.telemetry.observe(ctx, "create-device", func(ctx context.Context) error {
		body := registerRequest{
			DeviceID:   deviceID,
			Platform:   info.Platform,
			Arch:       info.Arch,
			Hostname:   info.Hostname,
			AppVersion: info.AppVersion,
		}
		resp, err := c.do(ctx, "create-device", http.MethodPost, PathCreateDevice, nil, body)
		if err != nil {
			return err
		}
		if err := resp.failure("create-device", never); err != nil {
			return err
		}
		if !resp.decoded || !resp.env.Success {
			return &apperrors.StatusError{Op: "create-device", Code: resp.status, Message: resp.env.Message}
		}

		reg = Registration{
			DeviceID:     deviceID,
			Credits:      config.StarterCredits,
			Message:      resp.env.Message,
			RegisteredAt: time.Now().UTC(),
			RawResponse:  resp.raw,
		}
		return nil
	})
	return reg, err
}

// ValidateLicense asks whether key is valid for deviceID. An explicit
// rejection is a Validation with Valid false, not an error; errors mean no
// verdict was obtained.
func (c *Client) ValidateLicense(ctx context.Context, key, deviceID string) (Validation, error) {
	var v Validation
	err := c.telemetry.observe(ctx, "validate-license", func(ctx context.Context) error {
		resp, err := c.do(ctx, "validate-license", http.MethodGet, PathValidateLicense,
			url.Values{"key": {key}, "deviceId": {deviceID}}, nil)
		if err != nil {
			return err
		}
		if err := resp.failure("validate-license", isVerdictStatus); err != nil {
			return err
		}
		if !resp.decoded {
			return &apperrors.StatusError{Op: "validate-license", Code: resp.status, Message: "undecodable response"}
		}

		if resp.is2xx() && resp.env.Success {
			v = Validation{Valid: true, Message: resp.env.Message}
			if resp.env.hasData() {
				var data licenseData
				if err := json.Unmarshal(resp.env.Data, &data); err == nil {
					v.ExpiresAt = data.ExpiresAt
					v.UserEmail = data.UserEmail
				}
			}
			return nil
		}

		msg := resp.env.Message
		if msg == "" {
			msg = "license rejected by server"
		}
		v = Validation{Valid: false, Reason: classifyReason(msg), Message: msg}
		return nil
	})
	return v, err
}

// BindLicense links a validated key to the device.
func (c *Client) BindLicense(ctx context.Context, deviceID, key string) (Binding, error) {
	var b Binding
	err := c.telemetry.observe(ctx, "update-device", func(ctx context.Context) error {
		resp, err := c.do(ctx, "update-device", http.MethodPut, PathUpdateDevice, nil,
			bindRequest{DeviceID: deviceID, LicenseKey: key})
		if err != nil {
			return err
		}
		if err := resp.failure("update-device", isVerdictStatus); err != nil {
			return err
		}
		if !resp.decoded {
			return &apperrors.StatusError{Op: "update-device", Code: resp.status, Message: "undecodable response"}
		}

		b = Binding{Success: resp.is2xx() && resp.env.Success, Message: resp.env.Message}
		return nil
	})
	return b, err
}

// DecrementUsage consumes one trial credit.
func (c *Client) DecrementUsage(ctx context.Context, deviceID string) (Usage, error) {
	var u Usage
	err := c.telemetry.observe(ctx, "decrement-free-credits", func(ctx context.Context) error {
		resp, err := c.do(ctx, "decrement-free-credits", http.MethodPut, PathDecrementCredit, nil,
			decrementRequest{DeviceID: deviceID})
		if err != nil {
			return err
		}
		if err := resp.failure("decrement-free-credits", never); err != nil {
			return err
		}
		if !resp.decoded || !resp.env.Success || !resp.env.hasData() {
			return &apperrors.StatusError{Op: "decrement-free-credits", Code: resp.status, Message: resp.env.Message}
		}

		var data usageData
		if err := json.Unmarshal(resp.env.Data, &data); err != nil {
			return &apperrors.StatusError{Op: "decrement-free-credits", Code: resp.status, Message: "undecodable usage data"}
		}
		u = Usage{
			RemainingUses:   data.RemainingUses,
			RequiresLicense: data.RemainingUses <= 0,
			RawResponse:     resp.raw,
		}
		return nil
	})
	return u, err
}

type response struct {
	status  int
	env     envelope
	decoded bool
	raw     string
}

func (r *response) is2xx() bool {
	return r.status >= 200 && r.status < 300
}

// failure returns a StatusError for any non-2xx status that accept does not
// allow through as a decodable answer.
func (r *response) failure(op string, accept func(int) bool) error {
	if r.is2xx() {
		return nil
	}
	if accept(r.status) && r.decoded {
		return nil
	}
	return &apperrors.StatusError{Op: op, Code: r.status, Message: r.env.Message}
}

func never(int) bool { return false }

// isVerdictStatus lists client statuses whose envelope is an explicit answer.
func isVerdictStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusGone, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// isClientStatus accepts any 4xx except auth, timeout and throttling.
func isClientStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload interface{}) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	if c.signer != nil {
		if err := c.signer.Sign(ctx, req, body); err != nil {
			return nil, fmt.Errorf("%s: failed to sign request: %w", op, err)
		}
	} else {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		// The query carries the license key.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			uerr.URL = c.baseURL + path
		}
		return nil, &apperrors.TransportError{Op: op, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, &apperrors.TransportError{Op: op, Err: err}
	}

	resp := &response{status: res.StatusCode, raw: string(raw)}
	if err := json.Unmarshal(raw, &resp.env); err == nil {
		resp.decoded = true
	}

	c.logger.DebugContext(ctx, "backend response",
		slog.String("op", op),
		slog.Int("status", res.StatusCode),
		slog.Bool("success", resp.env.Success),
		slog.String("request_id", req.Header.Get(security.HeaderRequestID)))

	return resp, nil
}
