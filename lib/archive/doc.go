/*
Package archive stores committed changes in append-only segment files.

Every record is framed as [length u32][crc32c u32][payload], big endian. The
open segment is current.arc; sealing renames it to <first>-<last>.arc with both
ids as 16 hex digits. Sealed segments are immutable and are streamed to
synchronizing peers chunk by chunk. Segments covered by a snapshot are pruned
by the maintenance worker.
*/
package archive
