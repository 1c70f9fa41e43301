// Package migrations embebe el esquema compartido por postgres y sqlite.
// Solo usa tipos que ambos motores aceptan (TEXT, BIGINT, BOOLEAN).
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
