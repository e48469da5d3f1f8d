package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"cutclip/internal/infrastructure"
)

// BinaryProvisioner reports whether the clip tool binaries are installed.
// Ready is closed once provisioning completes.
type BinaryProvisioner interface {
	IsReady() bool
	Ready() <-chan struct{}
}

// NetworkMonitor reports connectivity changes: true when the network came
// back, false when it was lost.
type NetworkMonitor interface {
	Changes() <-chan bool
}

// ClipJob describes one clip to produce.
type ClipJob struct {
	SourceURL string        `json:"source_url" validate:"required,url"`
	Start     time.Duration `json:"start"`
	End       time.Duration `json:"end" validate:"gtfield=Start"`
	Format    string        `json:"format,omitempty"`
}

// ClipRunner produces a clip and returns the local output path.
type ClipRunner interface {
	Run(ctx context.Context, job ClipJob) (string, error)
}

// ErrClipUnavailable is returned when no clip runner is configured.
var ErrClipUnavailable = errors.New("clip runner not configured")

// ReadyBinary is a provisioner that is always ready.
type ReadyBinary struct{}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (ReadyBinary) IsReady() bool          { return true }
func (ReadyBinary) Ready() <-chan struct{} { return closedChan }

// PathBinary becomes ready once a file exists at path. Watch polls for it.
type PathBinary struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	once  sync.Once
	ready chan struct{}
}

// NewPathBinary creates a provisioner that watches path.
func NewPathBinary(path string, interval time.Duration, logger *slog.Logger) *PathBinary {
	return &PathBinary{
		path:     path,
		interval: interval,
		logger:   infrastructure.WithComponent(logger, "binary_watch"),
		ready:    make(chan struct{}),
	}
}

func (b *PathBinary) IsReady() bool {
	select {
	case <-b.ready:
		return true
	default:
	}
	if _, err := os.Stat(b.path); err != nil {
		return false
	}
	b.markReady()
	return true
}

func (b *PathBinary) Ready() <-chan struct{} { return b.ready }

func (b *PathBinary) markReady() {
	b.once.Do(func() {
		b.logger.Info("clip binary available", slog.String("path", b.path))
		close(b.ready)
	})
}

// Watch polls until the binary appears or ctx is cancelled.
func (b *PathBinary) Watch(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for !b.IsReady() {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// ProbeMonitor detects connectivity by dialing the licensing backend.
type ProbeMonitor struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	logger   *slog.Logger

	changes chan bool
}

// NewProbeMonitor probes addr (host:port) every interval.
func NewProbeMonitor(addr string, interval, timeout time.Duration, logger *slog.Logger) *ProbeMonitor {
	d := &net.Dialer{}
	return &ProbeMonitor{
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		dial:     d.DialContext,
		logger:   infrastructure.WithComponent(logger, "network_monitor"),
		changes:  make(chan bool, 1),
	}
}

func (m *ProbeMonitor) Changes() <-chan bool { return m.changes }

// Run probes until ctx is cancelled. Only transitions are reported; the
// first probe establishes the baseline.
func (m *ProbeMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	online := m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		now := m.probe(ctx)
		if now == online {
			continue
		}
		online = now
		m.logger.Info("connectivity changed", slog.Bool("online", online))

		select {
		case <-m.changes:
		default:
		}
		m.changes <- online
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	conn, err := m.dial(ctx, "tcp", m.addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
