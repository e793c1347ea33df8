// Package services provides shared error classification markers and context
// helpers used across rendermill components.
package services
