// Package migrations embeds the PostgreSQL schema migrations.
//
// Files follow the golang-migrate naming convention
// ({version}_{title}.up.sql / .down.sql) and are applied by db.Migrate.
package migrations

import "embed"

// FS holds every migration file.
//
//go:embed *.sql
var FS embed.FS
