// Package migrations embeds the forward and rollback SQL for the finmirror schema.
package migrations

import "embed"

// Files holds the numbered golang-migrate scripts.
//
//go:embed *.sql
var Files embed.FS
