// Package migrations embeds the connect SQLite schema.
package migrations

import "embed"

// FS holds the ordered schema migrations.
//
//go:embed *.sql
var FS embed.FS
