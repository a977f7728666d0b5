// Package migrations embeds the SQL migration files for the message store.
package migrations

import "embed"

// FS holds the migration files consumed by golang-migrate's iofs source.
//
//go:embed *.sql
var FS embed.FS
