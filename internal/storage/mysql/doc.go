// Package mysql provides the MySQL-backed agent and execution stores.
// It owns the connection pool settings, the embedded schema migrations and
// the conditional updates that keep execution transitions and statistics
// roll-ups safe across multiple daemon instances.
package mysql
