package db

import _ "embed"

// The two bundled schema files differ only in physical types (BLOB/BYTEA,
// DATE/TIMESTAMP) and are otherwise kept column-for-column identical.

//go:embed schema_sqlite.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string
