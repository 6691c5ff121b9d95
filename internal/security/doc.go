// Package security provides the server's transport and access controls:
//
//   - a local ECDSA P-384 CA and server certificate, reissued when it
//     nears expiry or a new host name is configured
//   - Let's Encrypt certificates through autocert
//   - API key generation and hashing
//   - HTTP authentication middleware
//
// Go 1.23+ TLS 1.3 negotiates the X25519+ML-KEM-768 hybrid key exchange
// with peers that support it.
package security
