// Package api exposes the local REST interface for submitting automation
// jobs, inspecting their lifecycle, and scraping queue statistics. It is
// intended to be bound to loopback or an otherwise trusted interface.
package api
