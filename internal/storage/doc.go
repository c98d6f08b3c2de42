// Package storage provides the SQLite-backed durable window of the audit
// ledger with embedded schema migrations.
package storage
