// Package migrations embeds the schema applied by scripts/migrate.
package migrations

import "embed"

// Files holds the ordered SQL migrations.
//
//go:embed *.sql
var Files embed.FS
