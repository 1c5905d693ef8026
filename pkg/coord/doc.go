// Package coord provides the shared coordination store used by every worker
// process for queue entries, dedup markers and lock leases.
//
// Only single-key atomic operations are exposed; nothing in the jobs package
// relies on multi-key transactions. Two implementations are provided:
//   - RedisStore: backed by github.com/redis/go-redis/v9, for production
//   - MemoryStore: an in-process twin for tests and single-process setups
package coord
