// Package migrations embeds the schema owned by the auth service.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
