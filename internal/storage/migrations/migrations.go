// Package migrations embeds the SQL schema shared by the sqlite and postgres
// storage backends.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
