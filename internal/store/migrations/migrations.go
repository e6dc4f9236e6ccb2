// Package migrations embeds the ordered, additive schema migration steps
// applied by store.Migrate at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
