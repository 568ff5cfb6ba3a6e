// Package auth performs the credential-issuance handshake and persists
// issued credentials.
//
// A server that rejects an unauthenticated attempt while issuing an
// identity and token is not failing the connection: it is completing the
// first half of a two-step handshake. The second attempt retries with the
// issued token attached as a bearer credential.
package auth
