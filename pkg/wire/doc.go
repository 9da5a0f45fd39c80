// Package wire implements the RESTQP envelope and its JSON datetime
// encoding conventions.
package wire
