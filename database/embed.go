package database

import "embed"

// EmbeddedMigrations holds migrations/*.sql. Pass fs.Sub(EmbeddedMigrations, "migrations") to New.
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS
