// Package migrations embeds the SQL migrations for the primary claim store.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
