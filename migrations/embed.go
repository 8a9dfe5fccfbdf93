// Package migrations holds the goose SQL migrations for the discovery rule
// schema.
package migrations

import "embed"

// FS is passed to goose by the server at startup and by integration tests.
//
//go:embed *.sql
var FS embed.FS
