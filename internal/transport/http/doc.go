// Package http serves the local status API consumed by the CutClip UI.
//
// Handlers are thin: they decode and validate input, call the session
// coordinator or license manager, and render JSON with go-chi/render. Every
// failure goes through errors.ErrorHandler so clients always receive RFC 7807
// problem documents.
//
// # Routes
//
//	GET  /api/session               current AppView and license state
//	POST /api/session/consent       {"accepted": bool}
//	POST /api/session/retry         re-run license initialization
//	POST /api/session/error-dialog  {"shown": bool}
//	GET  /api/license               license state
//	POST /api/license/activate      {"license_key": "XXXX-XXXX-XXXX-XXXX"}, rate limited
//	POST /api/usage                 record a completed clip
//	POST /api/clips                 produce a clip while in the main view
//	GET  /api/device                fingerprint and registration snapshot
//	GET  /ws                        session event stream
//	GET  /metrics                   Prometheus scrape endpoint
//	GET  /healthz                   liveness
//
// The server binds to loopback by default. It does not authenticate callers.
package http
