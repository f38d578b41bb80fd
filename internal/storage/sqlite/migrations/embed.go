// Package migrations embeds the goose migrations for the SQLite snapshot
// store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
