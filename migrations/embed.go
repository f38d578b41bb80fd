// Package migrations embeds the goose migrations for the Postgres snapshot
// store.
package migrations

import "embed"

// FS contains all goose migration SQL files.
//
//go:embed *.sql
var FS embed.FS
