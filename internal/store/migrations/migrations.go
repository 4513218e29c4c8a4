// Package migrations embeds the versioned SQL schema for the cache database.
package migrations

import "embed"

// FS holds the up/down migration files read by golang-migrate's iofs source.
//
//go:embed *.sql
var FS embed.FS
