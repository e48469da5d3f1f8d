// Package config provides centralized configuration management for CutClip.
// It handles loading configuration from multiple sources, validation, and
// resolution of the per-user data directories.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. Configuration file (YAML)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern CUTCLIP_* for namespacing:
//
//	CUTCLIP_API_BASE_URL=https://staging.api.cutclip.app
//	CUTCLIP_API_TIMEOUT=10s
//	CUTCLIP_LOGGING_LEVEL=debug
//	CUTCLIP_STATUS_ADDR=127.0.0.1:7341
//
// # Path Management
//
// Paths are resolved under the OS user config directory (or CUTCLIP_HOME):
//
//	paths, err := config.GetPaths()
//	vaultDir := paths.VaultDir
//
// # Testing
//
// Use Default() for a configuration that needs no environment, and
// NewPaths(dir) to root all files under a temporary directory.
package config
