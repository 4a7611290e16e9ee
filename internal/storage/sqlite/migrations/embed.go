package migrations

import "embed"

// FS contains embedded SQLite migrations for meridian storage.
//
//go:embed *.sql
var FS embed.FS
