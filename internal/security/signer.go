package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"cutclip/internal/infrastructure"
)

// Request headers set by the signer.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
	HeaderRequestID = "X-Request-ID"
)

// CredentialSource provides the current credential pair.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credential, error)
}

// Signer authenticates outbound backend requests.
type Signer struct {
	creds  CredentialSource
	now    func() time.Time
	logger *slog.Logger
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner creates a signer. A nil source signs nothing beyond the content
// headers.
func NewSigner(creds CredentialSource, logger *slog.Logger, opts ...SignerOption) *Signer {
	s := &Signer{
		creds:  creds,
		now:    time.Now,
		logger: infrastructure.WithComponent(logger, "signer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign sets content headers, a request ID and, when credentials are present,
// the API key and an HMAC signature over body followed by the timestamp.
// Missing or unreadable credentials leave the request unsigned.
func (s *Signer) Sign(ctx context.Context, req *http.Request, body []byte) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if req.Header.Get(HeaderRequestID) == "" {
		req.Header.Set(HeaderRequestID, uuid.NewString())
	}

	if s.creds == nil {
		return nil
	}

	cred, err := s.creds.Credentials(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "credentials unavailable, sending unsigned request",
			slog.String("error", err.Error()))
		return nil
	}

	if cred.APIKey.IsEmpty() {
		s.logger.DebugContext(ctx, "no api key provisioned")
	} else {
		req.Header.Set(HeaderAPIKey, string(cred.APIKey.Bytes()))
	}

	if cred.APISecret.IsEmpty() {
		s.logger.DebugContext(ctx, "no api secret provisioned, request not signed")
		return nil
	}

	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	secret := cred.APISecret.Bytes()
	defer wipe(secret)

	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, ComputeSignature(secret, body, timestamp))
	return nil
}

// ComputeSignature returns hex(HMAC-SHA256(secret, body || timestamp)).
func ComputeSignature(secret, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}
