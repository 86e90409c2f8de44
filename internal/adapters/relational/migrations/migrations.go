// Package migrations embeds the goose migrations of the patients table.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
