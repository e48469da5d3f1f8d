// Package session derives the application view from consent, binary
// provisioning, license and network signals.
//
// Derive is a pure first-match rule table. Coordinator owns the inputs,
// re-derives on every signal on the shared event loop, triggers license
// initialization when the table reaches the license-pending row, and asks
// for a retry when connectivity returns after a flagged network error.
package session
