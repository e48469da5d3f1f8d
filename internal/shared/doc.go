// Package shared holds helpers used across CutClip packages.
//
// The testutil subpackage provides a fake license server speaking the trust
// API envelope and a capturing slog handler for asserting on log output,
// including that license keys and credentials never appear in logs.
package shared
