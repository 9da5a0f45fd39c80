// Package security implements the peer certificate policy: PEM
// normalization, constant-time comparison and mutual-TLS configuration.
package security
