package db

import "embed"

// Migrations holds the goose SQL migrations for the Postgres store.
//
//go:embed migration/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations that goose reads from.
const MigrationsDir = "migration"
