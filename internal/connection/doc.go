// Package connection owns the WebSocket transport and the connection
// state machine.
//
// Dial returns a handle that is not yet reading; the surrounding client
// attaches its routing first and only then calls Start, so the two
// handshake-adjacent server messages can never be delivered into an empty
// observer list.
package connection
