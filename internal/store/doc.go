// Package store is the SQLite-backed secondary adapter.
//
// Every document is one row of the records table:
//
//	collection, tenant, id    primary key
//	fields                    JSON object, keys in insertion order
//	kinds                     JSON object naming fields JSON cannot type (timestamps)
//	created_at, updated_at    fixed-width UTC text
//
// # Critical Patterns
//
// Tenant isolation
//   - Every statement filters on tenant; scanned rows are checked again
//   - Another tenant's record is indistinguishable from a missing one
//
// Deterministic query results
//   - Queries are compiled by internal/querysql
//   - All queries end with id ASC COLLATE BINARY
//
// Atomic batches
//   - Batch runs in one transaction; any failure rolls back every operation
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - One open connection: a cursor holds it until closed
//
// SQLite failures are translated into dberr kinds: busy/locked is Timeout,
// auth/perm is Authentication, cantopen/ioerr is Connection, a duplicate
// key is Validation and anything else is Database.
package store
