// Package mysql provides the shared MySQL connection pool helper and the
// embedded schema migration runner used by the action, execution-log, relay
// and credit stores.
package mysql
