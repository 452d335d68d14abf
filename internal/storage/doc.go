// Package storage is the shared document store behind every wagate process.
//
// It holds:
//   - Accounts (desired flag, advisory status, reconnect attempts, credits)
//   - Credential records (identity plus sharded ephemeral key maps)
//   - Lock leases (owner + heartbeat, conditional update)
//   - Message records, campaigns and the append-only account event log
//
// Drivers: "sqlite" (default, modernc.org/sqlite) and "memory" (tests and
// single-process runs). Leases can also live in Redis (see RedisLeases).
package storage
