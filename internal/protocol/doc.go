// Package protocol implements the two SpacetimeDB wire formats.
//
// A connection negotiates exactly one subprotocol:
//   - v1.json.spacetimedb  (text frames)
//   - v1.bsatn.spacetimedb (binary frames)
//
// The codec for a mode must produce payloads of the frame kind implied by
// its subprotocol. New verifies this once per connection; a codec that
// fails the check is rejected at construction rather than at the transport.
package protocol
