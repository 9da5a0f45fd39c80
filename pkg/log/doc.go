// Package log provides structured logging for frestq built on zerolog.
package log
