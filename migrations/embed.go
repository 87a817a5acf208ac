// Package migrations embeds the per-clinic schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
