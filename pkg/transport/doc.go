// Package transport implements the RESTQP HTTP surface: the outbound
// message client and the inbound queue endpoint. Both sides persist a
// message row per exchange and capture the peer certificate when TLS is in
// use.
package transport
