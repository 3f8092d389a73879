// Package migrations embeds the Postgres schema applied to each tenant.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
