package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cutclip/internal/infrastructure"
)

// ErrNoHardwareSource is returned when none of the identity sources could be
// read. Nothing is cached in that case so a later call can still succeed.
var ErrNoHardwareSource = errors.New("no hardware identity source available")

// Source is one best-effort input to the device fingerprint.
type Source struct {
	Name string
	Read func(ctx context.Context) (string, bool)
}

// FingerprintCache persists the derived fingerprint across runs.
type FingerprintCache interface {
	Fingerprint() (string, bool)
	SetFingerprint(fp string) error
}

// DeviceInfo is the descriptive metadata sent with a device registration.
type DeviceInfo struct {
	Platform   string `json:"platform"`
	Arch       string `json:"arch"`
	Hostname   string `json:"hostname,omitempty"`
	AppVersion string `json:"appVersion"`
}

// CurrentDeviceInfo describes the running machine.
func CurrentDeviceInfo(appVersion string) DeviceInfo {
	hostname, _ := os.Hostname()
	return DeviceInfo{
		Platform:   runtime.GOOS,
		Arch:       runtime.GOARCH,
		Hostname:   strings.ToLower(strings.TrimSpace(hostname)),
		AppVersion: appVersion,
	}
}

// FingerprintManager derives a stable per-machine identifier. The value is
// computed at most once per process and then served from memory; the cache
// keeps it stable across restarts.
type FingerprintManager struct {
	sources []Source
	cache   FingerprintCache
	logger  *slog.Logger

	mu    sync.RWMutex
	value string
	group singleflight.Group
}

// NewFingerprintManager creates a manager over the given sources, in priority
// order. A nil sources slice selects the platform defaults.
func NewFingerprintManager(cache FingerprintCache, sources []Source, logger *slog.Logger) *FingerprintManager {
	if sources == nil {
		sources = DefaultSources()
	}
	return &FingerprintManager{
		sources: sources,
		cache:   cache,
		logger:  infrastructure.WithComponent(logger, "fingerprint"),
	}
}

// DeviceID returns the fingerprint, deriving and caching it on first use.
// Concurrent first calls share one derivation. A caller that gives up early
// gets its context error; the derivation itself always reads every source.
func (fm *FingerprintManager) DeviceID(ctx context.Context) (string, error) {
	fm.mu.RLock()
	if fm.value != "" {
		v := fm.value
		fm.mu.RUnlock()
		return v, nil
	}
	fm.mu.RUnlock()

	ch := fm.group.DoChan("device-id", func() (interface{}, error) {
		return fm.resolve(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (fm *FingerprintManager) resolve(ctx context.Context) (string, error) {
	fm.mu.RLock()
	if fm.value != "" {
		v := fm.value
		fm.mu.RUnlock()
		return v, nil
	}
	fm.mu.RUnlock()

	if fm.cache != nil {
		if cached, ok := fm.cache.Fingerprint(); ok && isFingerprint(cached) {
			fm.store(cached)
			fm.logger.DebugContext(ctx, "using cached device fingerprint")
			return cached, nil
		}
	}

	start := time.Now()
	values, used := fm.collect(ctx)
	// A partial read must never become the device's identity.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(values) == 0 {
		fm.logger.ErrorContext(ctx, "no hardware identity source readable",
			slog.Int("sources_tried", len(fm.sources)))
		return "", ErrNoHardwareSource
	}

	fp := ComputeFingerprint(values)
	fm.store(fp)

	if fm.cache != nil {
		if err := fm.cache.SetFingerprint(fp); err != nil {
			// The in-memory value still serves this process.
			fm.logger.WarnContext(ctx, "failed to cache device fingerprint",
				slog.String("error", err.Error()))
		}
	}

	fm.logger.InfoContext(ctx, "device fingerprint generated",
		slog.String("fingerprint_prefix", fp[:8]),
		slog.Any("sources", used),
		slog.Duration("generation_time", time.Since(start)))

	return fp, nil
}

func (fm *FingerprintManager) collect(ctx context.Context) ([]string, []string) {
	var values, used []string
	for _, src := range fm.sources {
		if ctx.Err() != nil {
			break
		}
		v, ok := src.Read(ctx)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			fm.logger.DebugContext(ctx, "identity source unavailable", slog.String("source", src.Name))
			continue
		}
		values = append(values, v)
		used = append(used, src.Name)
	}
	return values, used
}

func (fm *FingerprintManager) store(v string) {
	fm.mu.Lock()
	fm.value = v
	fm.mu.Unlock()
}

// Components reports which sources are currently readable. Values are not
// returned, only availability, so the result is safe to log.
func (fm *FingerprintManager) Components(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(fm.sources))
	for _, src := range fm.sources {
		v, ok := src.Read(ctx)
		out[src.Name] = ok && strings.TrimSpace(v) != ""
	}
	return out
}

// ComputeFingerprint joins the source values with "|" and returns the
// lowercase hex SHA-256 digest.
func ComputeFingerprint(values []string) string {
	hash := sha256.Sum256([]byte(strings.Join(values, "|")))
	return hex.EncodeToString(hash[:])
}

func isFingerprint(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil && strings.ToLower(s) == s
}

// StaticSource is a fixed source, mainly for tests and overrides.
func StaticSource(name, value string) Source {
	return Source{
		Name: name,
		Read: func(context.Context) (string, bool) { return value, value != "" },
	}
}
