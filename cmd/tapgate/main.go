// Tapgate is an HTTP/WebSocket gateway for a Taproot Assets daemon.
//
// It bridges plain REST/JSON and WebSocket clients to the
// macaroon-authenticated backend, providing:
//   - Transparent WebSocket proxying for streaming endpoints
//   - Challenge-response mailbox authentication (Schnorr and ECDSA)
//   - Mailbox message polling with pagination and heartbeats
//   - REST passthrough for one-shot mailbox operations
//
// Usage:
//
//	# Start the gateway with default configuration
//	tapgate run
//
//	# Start with a custom configuration file
//	tapgate run --config /etc/tapgate/config.yaml
//
//	# Show version information
//	tapgate version
package main

func main() {
	Execute()
}
