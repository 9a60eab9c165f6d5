// Package storage is the optional audit log.
//
// It records what the bot did (notifications sent, links captured,
// redactions finished) for operators. Nothing is read back at startup.
package storage
