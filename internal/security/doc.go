// Package security covers the channel server's trust plumbing: pairing
// codes that enroll a display, HMAC-signed display credentials, API keys
// for the management endpoints, and TLS setup for LAN (self-signed) and
// public (ACME) deployments.
//
// Key authentication is assumed to happen here, at the transport edge;
// the relay state machine itself never sees credentials beyond carrying
// one opaque string in its connect payload.
package security
