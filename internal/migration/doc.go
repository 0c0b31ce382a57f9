// Package migration manages database schema migrations for the gateway's
// configuration and observability tables, across PostgreSQL, MySQL, and
// SQLite, using golang-migrate as the underlying engine.
//
// Migration files are embedded per-dialect via embed.FS so the compiled
// binary carries its own schema history; DefaultMigrator wires an
// embedded source against the right golang-migrate database driver for
// the configured dialect, and CLI adds formatted terminal output on top
// of the Migrator interface for the agentflow migrate subcommand.
package migration
