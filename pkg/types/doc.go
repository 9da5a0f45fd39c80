// Package types defines the task and message records shared by the storage
// layer, the transport and the task engine.
package types
