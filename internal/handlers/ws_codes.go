// internal/handlers/ws_codes.go
package handlers

// Custom close codes for the match socket. These give clients a more
// specific reason than the standard range allows.
const (
	BadSubprotocolError   = 3000 // client connected with an unsupported subprotocol
	InvalidAuthTokenError = 3001 // token was invalid and a guest could not be minted
)
