package db

import "embed"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsFS exposes the embedded migration files for test setup.
func MigrationsFS() embed.FS {
	return migrationsFS
}
