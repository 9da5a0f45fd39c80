// Package events provides the in-process event broker behind the scheduler
// activity log.
package events
