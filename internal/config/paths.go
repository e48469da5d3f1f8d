package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths contains all the application paths.
// Everything CutClip writes lives below HomeDir.
type Paths struct {
	HomeDir    string
	ConfigFile string
	VaultDir   string
	StateFile  string
	LogsDir    string
	LogFile    string
}

// GetPaths resolves the application paths. An empty home selects the OS
// user config directory.
func GetPaths(home string) (*Paths, error) {
	if home == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user config dir: %w", err)
		}
		home = filepath.Join(base, "cutclip")
	}

	abs, err := filepath.Abs(home)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home dir %s: %w", home, err)
	}

	return NewPaths(abs), nil
}

// NewPaths lays out the application files below dir
//
//	<dir>/
//	  ├── config.yaml   (optional overrides)
//	  ├── state.yaml    (device id cache, consent, registration snapshot)
//	  ├── vault/        (encrypted secrets, one file per account)
//	  └── logs/
func NewPaths(dir string) *Paths {
	logsDir := filepath.Join(dir, "logs")
	return &Paths{
		HomeDir:    dir,
		ConfigFile: filepath.Join(dir, "config.yaml"),
		VaultDir:   filepath.Join(dir, "vault"),
		StateFile:  filepath.Join(dir, "state.yaml"),
		LogsDir:    logsDir,
		LogFile:    filepath.Join(logsDir, "cutclip.log"),
	}
}

// EnsureDirectories creates all required directories if they don't exist
func (p *Paths) EnsureDirectories() error {
	dirs := []struct {
		path string
		perm os.FileMode
	}{
		{p.HomeDir, 0755},
		{p.LogsDir, 0755},
		{p.VaultDir, 0700},
	}

	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.perm); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d.path, err)
		}
	}

	return nil
}

// LogPathResolution logs all resolved paths for debugging
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Resolved application paths",
		slog.String("home_dir", p.HomeDir),
		slog.String("config_file", p.ConfigFile),
		slog.Bool("config_file_exists", FileExists(p.ConfigFile)),
		slog.String("vault_dir", p.VaultDir),
		slog.String("state_file", p.StateFile),
		slog.String("logs_dir", p.LogsDir),
	)
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
