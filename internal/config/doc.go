// Package config loads, normalizes, and validates rendermill's TOML
// configuration.
package config
