// Package indexes provides the secondary-index subsystem of the
// extension store.
//
// # Index kinds
//
//  1. Membership index (implicit per kind)
//     The list of local names that belong to a kind. Selector
//     evaluation uses it as the universe for complement clauses and
//     as the fallback when no other index covers a query.
//
//  2. Label index (implicit per kind)
//     Maps (label key, label value) to the local names carrying that
//     label. Covers every label-selector clause.
//
//  3. Value index (opt-in per field, declared via Descriptor)
//     An ordered mapping from an extracted scalar to local names.
//     Single-valued descriptors support range scans; multi-valued
//     descriptors contribute one entry per extracted value. A unique
//     descriptor admits at most one local name per value and rejects
//     duplicates with ErrUniqueViolation.
//
// # Key layout in pebble
//
// All index keys start with 'I'; rows start with 'O', so both live in
// one keyspace. kind ids are xxhash of the GVK string, big-endian.
//
//   - Membership: "IF" + kind_id(u64) + localName            -> empty
//   - Label:      "IL" + kind_id + esc(key) + esc(value) + localName -> empty
//   - Value:      "IV" + kind_id + index_id(u64) + esc(value) + localName -> empty
//   - Task:       "IT" + kind_id -> TLV rebuild task state
//   - Dirty:      "ID" + kind_id -> TLV dirty marker
//
// Escaped segments are NUL-terminated with an order-preserving
// escape, so pebble's key order yields (value asc, localName asc) and
// range scans come back already sorted for stable pagination.
//
// # Write path
//
// The Manager owns write-side coherence. For every mutation it reads
// the previous row, extracts old and new values per declared index,
// validates uniqueness, CAS-writes the row through the store, then
// applies the index diffs in one batch. If the diff batch keeps
// failing the row write is rolled back; if even the rollback fails
// the kind is marked dirty and refuses writes until a rebuild
// completes. Post-commit events fire while the row lock is held, so
// subscribers observe per-row commit order.
//
// # Rebuild
//
// Rebuild tasks are persisted under the task key, so a crash mid-way
// leaves a pending task behind and the background scanner picks it up
// on the next start. A rebuild runs in two phases: a repair pass over
// a snapshot that inserts missing entries while reads and writes
// proceed, then a short exclusive sweep that drops stale entries,
// clears the dirty marker and re-admits writes. Task states and
// durations are exported as Prometheus metrics.
package indexes
