// Package mysql opens the MySQL connection pool used by the dispatch ledger,
// applies the embedded schema migrations and provides a leader lock built on
// MySQL named locks.
package mysql
