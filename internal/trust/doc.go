// Package trust is the client for the licensing backend. It is stateless:
// every call maps the backend's {success, message, data} envelope onto a
// typed result or a classified error from internal/errors, and a non-2xx
// status or transport failure is never reported as success.
package trust
