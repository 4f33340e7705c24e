/*
Package mvdb implements the write path of a small relational database on top
of a multi-versioned key-value store (in this case, on top of Bolt).

We implement:

1. A versioned store. Every commit produces a new version; older versions
stay readable until reclaimed, and the store can be rolled back to any
retained version.

2. Restore points, named references to a version. Creating one pins the
retention horizon; restoring to one rolls the whole database back, catalog
included, while the database stays open.

3. Transactions with row-level locks. Writes stay in a private write set
until commit; conflicting writers wait for each other.

4. UPDATE with triggers, on-update column expressions and change delta
capture (OLD, NEW and FINAL row images).

5. An exclusive mode that lets one session keep all others from starting
mutating work.

# Technical Details

**Buckets.**
The store keeps everything in flat Bolt buckets: "meta" holds the current
version and the reclaimed floor, "log" maps each version to the keys it
touched, and "m/<map>" holds one version chain per key. Rollback walks the
log backwards and truncates the chains it names.

**Maps.**
The engine keeps its own state in store maps, so that it rolls back with the
data: "catalog" (table definitions), "restorepoints", "txns" (records of
transactions that have started writing), "sequences" and "t/<table>" (rows).

**Transaction records.**
A transaction's record is written when it first writes and flips to
committed in the same batch as its rows. After a rollback, a record that is
still active, or an open writer whose record is gone, marks a leftover
transaction, which is terminated.

## Binary encoding

**Row keys** are int64 values encoded big-endian with the sign bit flipped,
so that byte order matches numeric order.

**Version chain**: flags (uvarint), entry count (uvarint), then entries
newest first. Each entry is the version (uvarint), entry flags (uvarint,
bit 0 marks a tombstone) and the data (uvarint length + bytes).

**Row data**: msgpack of the row's values.
*/
package mvdb
