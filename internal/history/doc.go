// Package history records completed render runs in a local SQLite database
// so past outcomes survive process restarts and are queryable from the CLI.
package history
