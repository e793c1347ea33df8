// Package preflight verifies the environment before a render run: external
// binaries, output directory access, and free disk space.
package preflight
