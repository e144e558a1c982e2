// Package dbmigrations exposes embedded SQL migrations for LedgerSync binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into LedgerSync binaries.
//
//go:embed *.sql
var Files embed.FS
