// Package logging wraps log/slog with rendermill's console and JSON handlers,
// standardized field names, and progress sampling helpers.
package logging
