// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
// Each backend has its own dialect directory; the two schemas are kept
// column-for-column identical.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql
var postgresFiles embed.FS

//go:embed sqlite/*.sql
var sqliteFiles embed.FS

// Postgres is the embedded Postgres migrations filesystem, rooted at the
// directory containing the .sql files.
var Postgres = mustSub(postgresFiles, "postgres")

// SQLite is the embedded SQLite migrations filesystem.
var SQLite = mustSub(sqliteFiles, "sqlite")

func mustSub(fsys embed.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
